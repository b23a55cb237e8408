package retrieve

import (
	"context"
	"fmt"

	"github.com/dicom-gateway/gateway/internal/models"
	"github.com/dicom-gateway/gateway/internal/repository"
	"github.com/dicom-gateway/gateway/pkg/dicomcodec"
	"github.com/dicom-gateway/gateway/pkg/dimse"
	"github.com/rs/zerolog"
)

// Transport abstracts the association engine so the orchestrator's
// strategy/fallback/accounting logic is testable without a live PACS, the
// same seam the teacher drew between its service layer and its DIMSE
// adapter.
type Transport interface {
	CGet(ctx context.Context, node *models.PACSNode, identifier *dicomcodec.WireDataset,
		onStore func(dimse.InboundStore) (uint16, error), onProgress func(dimse.MoveResult) error) error
	CMove(ctx context.Context, node *models.PACSNode, destinationAE string, identifier *dicomcodec.WireDataset,
		onProgress func(dimse.MoveResult) error) error
}

// dimseTransport is the production Transport: one fresh association per
// operation, released on return.
type dimseTransport struct {
	localAE string
	log     zerolog.Logger
}

// NewTransport returns the association-engine-backed Transport.
func NewTransport(localAE string, log zerolog.Logger) Transport {
	return &dimseTransport{localAE: localAE, log: log}
}

func (t *dimseTransport) connect(node *models.PACSNode, proposals []dimse.Proposal) (*dimse.Association, error) {
	connect, response, _ := repository.Timeouts(node)
	cfg := dimse.Config{
		CallingAETitle: t.localAE,
		CalledAETitle:  node.AETitle,
		ConnectTimeout: connect,
		ReadTimeout:    response,
		WriteTimeout:   response,
		Logger:         t.log,
	}
	return dimse.Connect(fmt.Sprintf("%s:%d", node.Hostname, node.Port), proposals, cfg)
}

func (t *dimseTransport) CGet(ctx context.Context, node *models.PACSNode, identifier *dicomcodec.WireDataset,
	onStore func(dimse.InboundStore) (uint16, error), onProgress func(dimse.MoveResult) error) error {
	assoc, err := t.connect(node, dimse.GetProposals())
	if err != nil {
		return err
	}
	defer func() {
		if ctx.Err() != nil {
			assoc.Abort()
			return
		}
		assoc.Close()
	}()
	return assoc.CGet(ctx, getClass(node), identifier, onStore, onProgress)
}

func (t *dimseTransport) CMove(ctx context.Context, node *models.PACSNode, destinationAE string, identifier *dicomcodec.WireDataset,
	onProgress func(dimse.MoveResult) error) error {
	assoc, err := t.connect(node, dimse.MoveProposals())
	if err != nil {
		return err
	}
	defer func() {
		if ctx.Err() != nil {
			assoc.Abort()
			return
		}
		assoc.Close()
	}()
	return assoc.CMove(ctx, moveClass(node), destinationAE, identifier, onProgress)
}

func getClass(node *models.PACSNode) string {
	if node.QueryRetrieveRoot == models.QueryRetrieveRootPatient {
		return dimse.PatientRootGet
	}
	return dimse.StudyRootGet
}

func moveClass(node *models.PACSNode) string {
	if node.QueryRetrieveRoot == models.QueryRetrieveRootPatient {
		return dimse.PatientRootMove
	}
	return dimse.StudyRootMove
}
