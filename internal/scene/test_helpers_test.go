package scene

import "testing"

func mustDocumentID(t *testing.T, value string) DocumentID {
	t.Helper()
	id, err := NewDocumentID(value)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func mustObjectID(t *testing.T, value string) ObjectID {
	t.Helper()
	id, err := NewObjectID(value)
	if err != nil {
		t.Fatalf("unexpected object id error: %v", err)
	}
	return id
}

func mustDelta(t *testing.T, doc *Document, objectID string, patch FieldPatch) []byte {
	t.Helper()
	delta, err := doc.ApplyLocalChange(mustObjectID(t, objectID), patch)
	if err != nil {
		t.Fatalf("unexpected local change error: %v", err)
	}
	return delta
}

func mustApply(t *testing.T, doc *Document, delta []byte) {
	t.Helper()
	if err := doc.ApplyRemoteDelta(delta); err != nil {
		t.Fatalf("unexpected remote apply error: %v", err)
	}
}

func strPtr(value string) *string {
	return &value
}

func vecPtr(x, y, z float64) *Vec3 {
	v := Vec3{x, y, z}
	return &v
}
