package dimse

// Proposal constructors for each initiator role in the negotiation
// contract. Each returns the presentation contexts Connect should propose;
// callers pick the one matching the operation they are about to issue.

// EchoProposals proposes Verification on the core transfer syntaxes.
func EchoProposals() []Proposal {
	return []Proposal{{abstractSyntax: VerificationSOPClass, transferSyntaxes: CoreTransferSyntaxes}}
}

// FindProposals proposes every query information model for C-FIND.
func FindProposals() []Proposal {
	out := make([]Proposal, 0, len(QueryRetrieveFindClasses))
	for _, uid := range QueryRetrieveFindClasses {
		out = append(out, Proposal{abstractSyntax: uid, transferSyntaxes: CoreTransferSyntaxes})
	}
	return out
}

// MoveProposals proposes the C-MOVE information models.
func MoveProposals() []Proposal {
	out := make([]Proposal, 0, len(QueryRetrieveMoveClasses))
	for _, uid := range QueryRetrieveMoveClasses {
		out = append(out, Proposal{abstractSyntax: uid, transferSyntaxes: CoreTransferSyntaxes})
	}
	return out
}

// GetProposals proposes the C-GET information models plus every storage
// SOP class with role selection requesting the SCP role, so inbound
// C-STOREs can arrive on the same association.
func GetProposals() []Proposal {
	out := make([]Proposal, 0, len(QueryRetrieveGetClasses)+len(StorageSOPClasses))
	for _, uid := range QueryRetrieveGetClasses {
		out = append(out, Proposal{abstractSyntax: uid, transferSyntaxes: CoreTransferSyntaxes})
	}
	for _, uid := range StorageSOPClasses {
		out = append(out, Proposal{abstractSyntax: uid, transferSyntaxes: CoreTransferSyntaxes, requestSCPRole: true})
	}
	return out
}

// StoreProposals proposes a single storage SOP class for an outbound
// C-STORE, offering transferSyntax first so the instance's native encoding
// is preferred.
func StoreProposals(sopClassUID, transferSyntax string) []Proposal {
	offers := []string{transferSyntax}
	for _, ts := range CoreTransferSyntaxes {
		if ts != transferSyntax {
			offers = append(offers, ts)
		}
	}
	return []Proposal{{abstractSyntax: sopClassUID, transferSyntaxes: offers}}
}
