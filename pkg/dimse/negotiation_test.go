package dimse

import "testing"

func TestAssociateRQRoundTrip(t *testing.T) {
	rq := buildAssociateRQ("LOCAL_AE", "REMOTE_AE", GetProposals(), 16384)

	parsed, err := parseAssociateRQ(rq)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.callingAE != "LOCAL_AE" || parsed.calledAE != "REMOTE_AE" {
		t.Errorf("AEs = %q -> %q", parsed.callingAE, parsed.calledAE)
	}

	want := len(QueryRetrieveGetClasses) + len(StorageSOPClasses)
	if len(parsed.contexts) != want {
		t.Fatalf("got %d presentation contexts, want %d", len(parsed.contexts), want)
	}

	// IDs must be odd and unique.
	seen := map[byte]bool{}
	for _, pc := range parsed.contexts {
		if pc.id%2 == 0 {
			t.Errorf("presentation context id %d is even", pc.id)
		}
		if seen[pc.id] {
			t.Errorf("presentation context id %d reused", pc.id)
		}
		seen[pc.id] = true
		if len(pc.transferSyntaxes) != len(CoreTransferSyntaxes) {
			t.Errorf("context %s proposes %d transfer syntaxes", pc.abstractSyntax, len(pc.transferSyntaxes))
		}
	}

	// Storage contexts carry SCP role selection; the Get contexts do not.
	byAbstract := map[string]presentationContext{}
	for _, pc := range parsed.contexts {
		byAbstract[pc.abstractSyntax] = pc
	}
	if pc := byAbstract[StudyRootGet]; pc.scpRole {
		t.Errorf("study-root-get context unexpectedly requests SCP role")
	}
	ct := "1.2.840.10008.5.1.4.1.1.2"
	if pc := byAbstract[ct]; !pc.scpRole {
		t.Errorf("ct storage context missing SCP role selection")
	}
}

func TestAssociateACRoundTrip(t *testing.T) {
	accepted := []presentationContext{
		{id: 1, abstractSyntax: StudyRootFind, transferSyntaxes: []string{ExplicitVRLittleEndian}, result: pcResultAcceptance},
		{id: 3, abstractSyntax: PatientRootFind, result: pcResultAbstractSyntaxNotSupported},
	}
	ac := buildAssociateAC("LOCAL_AE", "REMOTE_AE", accepted, 16384)

	parsed, err := parseAssociateAC(ac)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed.contexts) != 2 {
		t.Fatalf("got %d contexts, want 2", len(parsed.contexts))
	}
	if parsed.contexts[0].result != pcResultAcceptance {
		t.Errorf("context 1 result = %d", parsed.contexts[0].result)
	}
	if parsed.contexts[0].transferSyntaxes[0] != ExplicitVRLittleEndian {
		t.Errorf("context 1 transfer syntax = %q", parsed.contexts[0].transferSyntaxes[0])
	}
	if parsed.contexts[1].result != pcResultAbstractSyntaxNotSupported {
		t.Errorf("context 3 result = %d", parsed.contexts[1].result)
	}
}

func TestAcceptorNegotiation(t *testing.T) {
	s := &Server{config: ServerConfig{}}
	proposed := []presentationContext{
		{id: 1, abstractSyntax: VerificationSOPClass, transferSyntaxes: []string{ImplicitVRLittleEndian}},
		{id: 3, abstractSyntax: "1.2.840.10008.5.1.4.1.1.2", transferSyntaxes: []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian}},
		{id: 5, abstractSyntax: "9.9.9.unknown", transferSyntaxes: []string{ImplicitVRLittleEndian}},
		{id: 7, abstractSyntax: VerificationSOPClass, transferSyntaxes: []string{"1.2.3.4.5.6"}},
	}

	out := s.negotiateAcceptorContexts(proposed)
	if len(out) != 4 {
		t.Fatalf("got %d contexts, want 4", len(out))
	}
	if out[0].result != pcResultAcceptance {
		t.Errorf("verification context rejected: %d", out[0].result)
	}
	if out[1].result != pcResultAcceptance || out[1].transferSyntaxes[0] != ExplicitVRLittleEndian {
		t.Errorf("ct context = %+v", out[1])
	}
	if out[2].result != pcResultAbstractSyntaxNotSupported {
		t.Errorf("unknown abstract syntax accepted: %d", out[2].result)
	}
	if out[3].result != pcResultTransferSyntaxesNotSupported {
		t.Errorf("unknown-syntax-only verification context accepted: %d", out[3].result)
	}
}
