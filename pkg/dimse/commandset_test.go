package dimse

import "testing"

func TestCommandSetRoundTrip(t *testing.T) {
	cs := NewCommandSet()
	cs.SetUID(TagAffectedSOPClassUID, VerificationSOPClass)
	cs.SetUS(TagCommandField, CommandCEchoRQ)
	cs.SetUS(TagMessageID, 7)
	cs.SetUS(TagCommandDataSetType, 0x0101)

	decoded, err := DecodeCommandSet(cs.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := decoded.GetString(TagAffectedSOPClassUID); got != VerificationSOPClass {
		t.Errorf("AffectedSOPClassUID = %q", got)
	}
	if got := decoded.GetUS(TagCommandField); got != CommandCEchoRQ {
		t.Errorf("CommandField = 0x%04x", got)
	}
	if got := decoded.GetUS(TagMessageID); got != 7 {
		t.Errorf("MessageID = %d", got)
	}
	if got := decoded.GetUS(TagCommandDataSetType); got != 0x0101 {
		t.Errorf("CommandDataSetType = 0x%04x", got)
	}
}

func TestCommandSetOddLengthUIDPadded(t *testing.T) {
	cs := NewCommandSet()
	cs.SetUID(TagAffectedSOPInstanceUID, "1.2.3") // odd length
	raw := cs.Encode()
	if len(raw)%2 != 0 {
		t.Errorf("encoded command set has odd length %d", len(raw))
	}

	decoded, err := DecodeCommandSet(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := decoded.GetString(TagAffectedSOPInstanceUID); got != "1.2.3" {
		t.Errorf("padding not trimmed: %q", got)
	}
}

func TestSubOperationCountDecoding(t *testing.T) {
	cs := NewCommandSet()
	cs.SetUS(TagCommandField, CommandCMoveRSP)
	cs.SetUS(TagStatus, StatusPending)
	cs.SetUS(TagNumberOfRemainingSubOps, 5)
	cs.SetUS(TagNumberOfCompletedSubOps, 3)
	cs.SetUS(TagNumberOfFailedSubOps, 1)
	cs.SetUS(TagNumberOfWarningSubOps, 0)

	decoded, err := DecodeCommandSet(cs.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	counts := subOpCounts(decoded)
	if counts.Remaining != 5 || counts.Completed != 3 || counts.Failed != 1 || counts.Warning != 0 {
		t.Errorf("counts = %+v", counts)
	}
}
