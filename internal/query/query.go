// Package query is the query service (C6): builds and issues C-FIND at
// study/series/instance level, maps result identifiers onto QIDO-RS DTOs,
// and memoizes responses in the query cache. The structural model for the
// dataset-to-DTO mapping is the teacher's adapter layer, rebuilt against
// pkg/dimse and pkg/dicomcodec.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dicom-gateway/gateway/internal/cache"
	"github.com/dicom-gateway/gateway/internal/dicomerr"
	"github.com/dicom-gateway/gateway/internal/models"
	"github.com/dicom-gateway/gateway/internal/repository"
	"github.com/dicom-gateway/gateway/pkg/dicomcodec"
	"github.com/dicom-gateway/gateway/pkg/dimse"
	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// resultTTL bounds how long a memoized C-FIND response is served before the
// remote is asked again.
const resultTTL = 5 * time.Minute

// Service issues C-FIND queries against registered PACS nodes.
type Service struct {
	nodes   *repository.PACSRepository
	results cache.Cache
	localAE string
	log     zerolog.Logger
}

func New(nodes *repository.PACSRepository, results cache.Cache, localAE string, log zerolog.Logger) *Service {
	return &Service{nodes: nodes, results: results, localAE: localAE, log: log}
}

// resolveNode maps an optional node name onto a registry record; an empty
// name selects the default node. An unknown name is a ConfigError, which
// the HTTP layer answers with 400 before anything is started.
func (s *Service) resolveNode(ctx context.Context, name string) (*models.PACSNode, error) {
	var (
		node *models.PACSNode
		err  error
	)
	if name == "" {
		node, err = s.nodes.GetDefault(ctx)
	} else {
		node, err = s.nodes.GetByName(ctx, name)
	}
	if err != nil {
		return nil, dicomerr.New(dicomerr.KindConfig, "resolve pacs node", fmt.Errorf("node %q: %w", name, err))
	}
	return node, nil
}

// FindStudies issues a study-level C-FIND with the given matching keys and
// returns one DTO per result identifier. Zero matches is an empty slice,
// never an error.
func (s *Service) FindStudies(ctx context.Context, nodeName string, params models.QueryParams) ([]models.StudyResult, error) {
	node, err := s.resolveNode(ctx, nodeName)
	if err != nil {
		return nil, err
	}

	key := cache.CacheKey("qido", node.Name, "studies", paramsFingerprint(params), "v1")
	if cached, err := s.results.Get(ctx, key); err == nil {
		var out []models.StudyResult
		if json.Unmarshal(cached, &out) == nil {
			return out, nil
		}
	}

	identifier, err := studyIdentifier(params)
	if err != nil {
		return nil, err
	}

	results := []models.StudyResult{}
	err = s.withAssociation(ctx, node, dimse.FindProposals(), func(assoc *dimse.Association) error {
		return assoc.CFind(ctx, findClass(node), identifier, func(r dimse.FindResult) error {
			if r.Dataset == nil {
				return nil
			}
			results = append(results, studyFromIdentifier(r.Dataset))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.memoize(ctx, key, results)
	return results, nil
}

// FindSeries issues a series-level C-FIND scoped to one study.
func (s *Service) FindSeries(ctx context.Context, nodeName, studyUID string) ([]models.SeriesResult, error) {
	node, err := s.resolveNode(ctx, nodeName)
	if err != nil {
		return nil, err
	}

	key := cache.CacheKey("qido", node.Name, "series", studyUID, "v1")
	if cached, err := s.results.Get(ctx, key); err == nil {
		var out []models.SeriesResult
		if json.Unmarshal(cached, &out) == nil {
			return out, nil
		}
	}

	identifier := dicomcodec.NewWireDataset()
	identifier.SetString(tag.QueryRetrieveLevel, "SERIES")
	identifier.SetString(tag.StudyInstanceUID, studyUID)
	identifier.SetEmpty(tag.SeriesInstanceUID)
	identifier.SetEmpty(tag.SeriesNumber)
	identifier.SetEmpty(tag.Modality)
	identifier.SetEmpty(tag.SeriesDescription)
	identifier.SetEmpty(tag.NumberOfSeriesRelatedInstances)

	results := []models.SeriesResult{}
	err = s.withAssociation(ctx, node, dimse.FindProposals(), func(assoc *dimse.Association) error {
		return assoc.CFind(ctx, findClass(node), identifier, func(r dimse.FindResult) error {
			if r.Dataset == nil {
				return nil
			}
			results = append(results, models.SeriesResult{
				SeriesInstanceUID: r.Dataset.String(tag.SeriesInstanceUID),
				SeriesNumber:      r.Dataset.Int(tag.SeriesNumber),
				Modality:          r.Dataset.String(tag.Modality),
				SeriesDescription: r.Dataset.String(tag.SeriesDescription),
				NumberOfInstances: r.Dataset.Int(tag.NumberOfSeriesRelatedInstances),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.memoize(ctx, key, results)
	return results, nil
}

// FindInstances issues an image-level C-FIND scoped to one series.
func (s *Service) FindInstances(ctx context.Context, nodeName, studyUID, seriesUID string) ([]models.InstanceResult, error) {
	node, err := s.resolveNode(ctx, nodeName)
	if err != nil {
		return nil, err
	}

	key := cache.CacheKey("qido", node.Name, "instances", studyUID+"/"+seriesUID, "v1")
	if cached, err := s.results.Get(ctx, key); err == nil {
		var out []models.InstanceResult
		if json.Unmarshal(cached, &out) == nil {
			return out, nil
		}
	}

	identifier := dicomcodec.NewWireDataset()
	identifier.SetString(tag.QueryRetrieveLevel, "IMAGE")
	identifier.SetString(tag.StudyInstanceUID, studyUID)
	identifier.SetString(tag.SeriesInstanceUID, seriesUID)
	identifier.SetEmpty(tag.SOPInstanceUID)
	identifier.SetEmpty(tag.SOPClassUID)
	identifier.SetEmpty(tag.InstanceNumber)
	identifier.SetEmpty(tag.Rows)
	identifier.SetEmpty(tag.Columns)

	results := []models.InstanceResult{}
	err = s.withAssociation(ctx, node, dimse.FindProposals(), func(assoc *dimse.Association) error {
		return assoc.CFind(ctx, findClass(node), identifier, func(r dimse.FindResult) error {
			if r.Dataset == nil {
				return nil
			}
			results = append(results, models.InstanceResult{
				SOPInstanceUID: r.Dataset.String(tag.SOPInstanceUID),
				SOPClassUID:    r.Dataset.String(tag.SOPClassUID),
				InstanceNumber: r.Dataset.Int(tag.InstanceNumber),
				Rows:           r.Dataset.Int(tag.Rows),
				Columns:        r.Dataset.Int(tag.Columns),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.memoize(ctx, key, results)
	return results, nil
}

// Echo opens an association and issues a C-ECHO, for connection testing.
func (s *Service) Echo(ctx context.Context, node *models.PACSNode) error {
	return s.withAssociation(ctx, node, dimse.EchoProposals(), func(assoc *dimse.Association) error {
		status, err := assoc.CEcho(ctx)
		if err != nil {
			return err
		}
		if status != dimse.StatusSuccess {
			return dicomerr.RemoteStatus("c-echo", status)
		}
		return nil
	})
}

// withAssociation opens an association to node with the given proposals,
// runs fn, and releases it. One association serves exactly one caller.
func (s *Service) withAssociation(ctx context.Context, node *models.PACSNode, proposals []dimse.Proposal, fn func(*dimse.Association) error) error {
	connect, response, _ := repository.Timeouts(node)
	cfg := dimse.Config{
		CallingAETitle: s.localAE,
		CalledAETitle:  node.AETitle,
		ConnectTimeout: connect,
		ReadTimeout:    response,
		WriteTimeout:   response,
		Logger:         s.log,
	}

	addr := fmt.Sprintf("%s:%d", node.Hostname, node.Port)
	assoc, err := dimse.Connect(addr, proposals, cfg)
	if err != nil {
		return err
	}
	defer assoc.Close()
	return fn(assoc)
}

func (s *Service) memoize(ctx context.Context, key string, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.results.Set(ctx, key, raw, resultTTL); err != nil {
		s.log.Debug().Err(err).Str("key", key).Msg("query result memoization failed")
	}
}

// findClass selects the C-FIND information model matching the node's
// configured query/retrieve root.
func findClass(node *models.PACSNode) string {
	if node.QueryRetrieveRoot == models.QueryRetrieveRootPatient {
		return dimse.PatientRootFind
	}
	return dimse.StudyRootFind
}

// studyIdentifier builds the study-level C-FIND identifier: matching keys
// for every provided parameter, empty return keys for the rest.
func studyIdentifier(params models.QueryParams) (*dicomcodec.WireDataset, error) {
	identifier := dicomcodec.NewWireDataset()
	identifier.SetString(tag.QueryRetrieveLevel, "STUDY")
	identifier.SetEmpty(tag.StudyInstanceUID)

	setOrEmpty(identifier, tag.PatientID, params.PatientID)
	setOrEmpty(identifier, tag.PatientName, params.PatientName)
	setOrEmpty(identifier, tag.AccessionNumber, params.AccessionNumber)
	setOrEmpty(identifier, tag.ModalitiesInStudy, params.Modality)
	setOrEmpty(identifier, tag.StudyDescription, params.StudyDescription)
	identifier.SetEmpty(tag.StudyTime)
	identifier.SetEmpty(tag.NumberOfStudyRelatedSeries)
	identifier.SetEmpty(tag.NumberOfStudyRelatedInstances)

	dateRange, err := NormalizeDateRange(params.StudyDate)
	if err != nil {
		return nil, dicomerr.New(dicomerr.KindConfig, "study date", err)
	}
	setOrEmpty(identifier, tag.StudyDate, dateRange)

	return identifier, nil
}

func setOrEmpty(ds *dicomcodec.WireDataset, t tag.Tag, value string) {
	if value == "" {
		ds.SetEmpty(t)
		return
	}
	ds.SetString(t, value)
}

// studyFromIdentifier maps one result dataset onto a DTO. Unknown VR/value
// combinations produce zero-valued fields, never errors.
func studyFromIdentifier(ds *dicomcodec.WireDataset) models.StudyResult {
	return models.StudyResult{
		StudyInstanceUID:  ds.String(tag.StudyInstanceUID),
		PatientID:         ds.String(tag.PatientID),
		PatientName:       ds.String(tag.PatientName),
		StudyDate:         ds.String(tag.StudyDate),
		StudyTime:         ds.String(tag.StudyTime),
		StudyDescription:  ds.String(tag.StudyDescription),
		AccessionNumber:   ds.String(tag.AccessionNumber),
		NumberOfSeries:    ds.Int(tag.NumberOfStudyRelatedSeries),
		NumberOfInstances: ds.Int(tag.NumberOfStudyRelatedInstances),
		ModalitiesInStudy: ds.Strings(tag.ModalitiesInStudy),
	}
}

// paramsFingerprint flattens the matching keys into a stable cache-key
// component.
func paramsFingerprint(p models.QueryParams) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d|%d",
		p.PatientID, p.PatientName, p.StudyDate, p.AccessionNumber,
		p.Modality, p.StudyDescription, p.Limit, p.Offset)
}
