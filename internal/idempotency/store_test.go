package idempotency

import "testing"

type createPayload struct {
	ClientID string            `json:"client_id"`
	Comment  string            `json:"comment"`
	Meta     map[string]string `json:"meta,omitempty"`
}

func TestRequestHashDeterministic(t *testing.T) {
	a := createPayload{ClientID: "c1", Comment: "нужна консультация", Meta: map[string]string{"b": "2", "a": "1"}}
	b := createPayload{ClientID: "c1", Comment: "нужна консультация", Meta: map[string]string{"a": "1", "b": "2"}}

	if RequestHash(a) != RequestHash(b) {
		t.Error("same payload must produce the same hash regardless of map ordering")
	}
	if RequestHash(a) == "" {
		t.Error("hash must not be empty for a serializable payload")
	}
}

func TestRequestHashDistinguishesPayloads(t *testing.T) {
	a := createPayload{ClientID: "c1", Comment: "вопрос по НДС"}
	b := createPayload{ClientID: "c1", Comment: "вопрос по зарплате"}

	if RequestHash(a) == RequestHash(b) {
		t.Error("different payloads must hash differently")
	}
}
