package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"

	"github.com/dicom-gateway/gateway/internal/cacheindex"
	"github.com/dicom-gateway/gateway/internal/dicomerr"
	"github.com/dicom-gateway/gateway/internal/models"
	"github.com/dicom-gateway/gateway/internal/query"
	"github.com/dicom-gateway/gateway/internal/retrieve"
	"github.com/dicom-gateway/gateway/internal/volume"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// DICOMWebHandler serves the QIDO-RS/WADO-RS surface plus the pixeldata
// volume endpoint, backed by the query service, cache store and retrieve
// orchestrator.
type DICOMWebHandler struct {
	query        *query.Service
	store        *cacheindex.Store
	orchestrator *retrieve.Orchestrator
}

func NewDICOMWebHandler(q *query.Service, store *cacheindex.Store, orchestrator *retrieve.Orchestrator) *DICOMWebHandler {
	return &DICOMWebHandler{query: q, store: store, orchestrator: orchestrator}
}

// SearchStudies handles QIDO-RS study search.
func (h *DICOMWebHandler) SearchStudies(w http.ResponseWriter, r *http.Request) {
	params := models.QueryParams{
		PatientID:        r.URL.Query().Get("PatientID"),
		PatientName:      r.URL.Query().Get("PatientName"),
		StudyDate:        r.URL.Query().Get("StudyDate"),
		AccessionNumber:  r.URL.Query().Get("AccessionNumber"),
		Modality:         r.URL.Query().Get("ModalitiesInStudy"),
		StudyDescription: r.URL.Query().Get("StudyDescription"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		params.Limit, _ = strconv.Atoi(limit)
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		params.Offset, _ = strconv.Atoi(offset)
	}

	studies, err := h.query.FindStudies(r.Context(), r.URL.Query().Get("pacsNode"), params)
	if err != nil {
		writeDICOMError(w, err, "search studies")
		return
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	json.NewEncoder(w).Encode(studies)
}

// SearchSeries handles QIDO-RS series search.
func (h *DICOMWebHandler) SearchSeries(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")
	if studyUID == "" {
		http.Error(w, "Study UID is required", http.StatusBadRequest)
		return
	}

	series, err := h.query.FindSeries(r.Context(), r.URL.Query().Get("pacsNode"), studyUID)
	if err != nil {
		writeDICOMError(w, err, "search series")
		return
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	json.NewEncoder(w).Encode(series)
}

// StudyMetadata handles WADO-RS study metadata: the cached series rows
// when the study is local, otherwise the remote's series-level C-FIND.
func (h *DICOMWebHandler) StudyMetadata(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")
	if studyUID == "" {
		http.Error(w, "Study UID is required", http.StatusBadRequest)
		return
	}

	cached, err := h.store.StudyCached(r.Context(), studyUID)
	if err == nil && cached {
		series, err := h.store.ListStudySeries(r.Context(), studyUID)
		if err == nil {
			out := make([]models.SeriesResult, 0, len(series))
			for _, s := range series {
				out = append(out, models.SeriesResult{
					SeriesInstanceUID: s.SeriesInstanceUID,
					SeriesNumber:      s.SeriesNumber,
					Modality:          s.Modality,
					SeriesDescription: s.SeriesDescription,
					NumberOfInstances: s.NumberOfInstances,
				})
			}
			w.Header().Set("Content-Type", "application/dicom+json")
			json.NewEncoder(w).Encode(out)
			return
		}
		log.Warn().Err(err).Str("study_uid", studyUID).Msg("cached metadata lookup failed, querying remote")
	}

	series, err := h.query.FindSeries(r.Context(), r.URL.Query().Get("pacsNode"), studyUID)
	if err != nil {
		writeDICOMError(w, err, "study metadata")
		return
	}
	w.Header().Set("Content-Type", "application/dicom+json")
	json.NewEncoder(w).Encode(series)
}

// SearchInstances handles QIDO-RS instance search.
func (h *DICOMWebHandler) SearchInstances(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")
	seriesUID := chi.URLParam(r, "seriesUID")
	if studyUID == "" || seriesUID == "" {
		http.Error(w, "Study UID and Series UID are required", http.StatusBadRequest)
		return
	}

	instances, err := h.query.FindInstances(r.Context(), r.URL.Query().Get("pacsNode"), studyUID, seriesUID)
	if err != nil {
		writeDICOMError(w, err, "search instances")
		return
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	json.NewEncoder(w).Encode(instances)
}

// RetrieveInstance handles WADO-RS instance retrieval: cache bytes on a
// hit; on a miss a study retrieve is triggered and the caller gets 202 to
// poll (or follow the progress topic) until the instance lands.
func (h *DICOMWebHandler) RetrieveInstance(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")
	seriesUID := chi.URLParam(r, "seriesUID")
	instanceUID := chi.URLParam(r, "instanceUID")
	if studyUID == "" || seriesUID == "" || instanceUID == "" {
		http.Error(w, "Study UID, Series UID, and Instance UID are required", http.StatusBadRequest)
		return
	}

	file, err := h.store.GetCachedFile(r.Context(), studyUID, seriesUID, instanceUID)
	if err != nil {
		log.Error().Err(err).Str("sop_instance_uid", instanceUID).Msg("cache lookup failed")
		http.Error(w, "Failed to retrieve instance", http.StatusInternalServerError)
		return
	}
	if file != nil {
		defer file.Close()
		w.Header().Set("Content-Type", "application/dicom")
		w.Header().Set("Content-Length", strconv.FormatInt(file.Instance.FileSize, 10))
		io.Copy(w, file)
		return
	}

	job, err := h.orchestrator.Start(r.Context(), retrieve.Request{
		Level:     models.LevelStudy,
		StudyUID:  studyUID,
		SeriesUID: seriesUID,
		SOPUID:    instanceUID,
		NodeName:  r.URL.Query().Get("pacsNode"),
	})
	if err != nil {
		writeDICOMError(w, err, "trigger retrieve")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"status":           string(job.Status),
		"studyInstanceUid": studyUID,
		"websocketTopic":   "/topic/retrieve/" + studyUID,
	})
}

// PixelData handles the custom two-part volume endpoint: part 1 is the
// volume metadata JSON, part 2 the packed little-endian pixel stream.
func (h *DICOMWebHandler) PixelData(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")
	seriesUID := chi.URLParam(r, "seriesUID")
	if studyUID == "" || seriesUID == "" {
		http.Error(w, "Study UID and Series UID are required", http.StatusBadRequest)
		return
	}

	subsample := 1
	if raw := r.URL.Query().Get("subsample"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "subsample must be an integer", http.StatusBadRequest)
			return
		}
		subsample = n
	}
	if subsample <= 0 {
		http.Error(w, "subsample must be a positive integer", http.StatusBadRequest)
		return
	}

	instances, err := h.store.ListSeriesInstances(r.Context(), studyUID, seriesUID)
	if err != nil {
		log.Error().Err(err).Str("series_uid", seriesUID).Msg("listing cached series failed")
		http.Error(w, "Failed to list series", http.StatusInternalServerError)
		return
	}
	if len(instances) == 0 {
		http.Error(w, "Series not cached", http.StatusNotFound)
		return
	}

	files := make([]string, 0, len(instances))
	for _, inst := range instances {
		files = append(files, inst.FilePath)
	}

	meta, pixels, err := volume.Extract(files, subsample, log.Logger)
	if err != nil {
		log.Error().Err(err).Str("series_uid", seriesUID).Msg("volume extraction failed")
		http.Error(w, "Failed to extract volume", http.StatusInternalServerError)
		return
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		http.Error(w, "Failed to encode metadata", http.StatusInternalServerError)
		return
	}

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", fmt.Sprintf(`multipart/related; boundary=%q`, mw.Boundary()))

	jsonHeader := textproto.MIMEHeader{}
	jsonHeader.Set("Content-Type", "application/json")
	jsonHeader.Set("Content-Length", strconv.Itoa(len(metaJSON)))
	part, err := mw.CreatePart(jsonHeader)
	if err != nil {
		return
	}
	part.Write(metaJSON)

	pixelHeader := textproto.MIMEHeader{}
	pixelHeader.Set("Content-Type", "application/octet-stream")
	pixelHeader.Set("Content-Length", strconv.Itoa(len(pixels)))
	part, err = mw.CreatePart(pixelHeader)
	if err != nil {
		return
	}
	part.Write(pixels)
	mw.Close()
}

// writeDICOMError maps the error taxonomy onto HTTP statuses: ConfigError
// is the caller's fault (unknown node, bad date), NotFound maps to 404,
// everything else is a 502 toward the upstream PACS.
func writeDICOMError(w http.ResponseWriter, err error, op string) {
	var derr *dicomerr.Error
	if errors.As(err, &derr) {
		switch derr.Kind {
		case dicomerr.KindConfig:
			http.Error(w, derr.Error(), http.StatusBadRequest)
			return
		case dicomerr.KindNotFound:
			http.Error(w, derr.Error(), http.StatusNotFound)
			return
		}
	}
	log.Error().Err(err).Str("op", op).Msg("dicomweb request failed")
	http.Error(w, "Upstream PACS operation failed", http.StatusBadGateway)
}
