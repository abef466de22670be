// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the lead capture executor and normalizer.

package leads

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEngage/services/webchat/aiturn"
	"github.com/AleutianAI/AleutianEngage/services/webchat/datatypes"
)

// fakeContactStore is an in-memory ContactStore.
type fakeContactStore struct {
	contacts    map[string]*datatypes.Contact
	updateCalls int
	failFetch   bool
	failUpdate  bool
}

func newFakeContactStore(contacts ...*datatypes.Contact) *fakeContactStore {
	store := &fakeContactStore{contacts: map[string]*datatypes.Contact{}}
	for _, c := range contacts {
		store.contacts[c.ID] = c
	}
	return store
}

func (f *fakeContactStore) FetchContact(_ context.Context, id string) (*datatypes.Contact, error) {
	if f.failFetch {
		return nil, fmt.Errorf("store down")
	}
	c, ok := f.contacts[id]
	if !ok {
		return nil, fmt.Errorf("contact %q not found", id)
	}
	copied := *c
	return &copied, nil
}

func (f *fakeContactStore) UpdateContact(_ context.Context, id string, patch map[string]any) (*datatypes.Contact, error) {
	if f.failUpdate {
		return nil, fmt.Errorf("store down")
	}
	f.updateCalls++
	c := f.contacts[id]
	for field, value := range patch {
		s, _ := value.(string)
		switch field {
		case "name":
			c.Name = s
		case "email":
			c.Email = s
		case "phone":
			c.Phone = s
		case "company":
			c.Company = s
		case "notes":
			c.Notes = s
		case "purpose":
			c.Purpose = s
		}
	}
	copied := *c
	return &copied, nil
}

func call(name, arguments string) *aiturn.ToolCall {
	return &aiturn.ToolCall{ID: "call_1", Name: name, Arguments: arguments}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		usable bool
	}{
		{"international 00 prefix", "0052 55 1234 5678", "+525512345678", true},
		{"explicit plus", "+1 (415) 555-0100", "+14155550100", true},
		{"plain national", "415 555 0100", "4155550100", true},
		{"too short", "123", "", false},
		{"empty", "", "", false},
		{"only punctuation", "---", "", false},
		{"dots and dashes", "55.1234.5678", "5512345678", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, usable := NormalizePhone(tt.input)
			assert.Equal(t, tt.usable, usable)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecute_UnsupportedToolIsIgnored(t *testing.T) {
	exec := NewExecutor(newFakeContactStore())
	result := exec.Execute(context.Background(), "c1", call("book_meeting", `{}`))

	assert.Equal(t, StatusIgnored, result.Status)
	assert.Contains(t, result.Message, "book_meeting")
}

func TestExecute_RequiresContactInfo(t *testing.T) {
	store := newFakeContactStore(&datatypes.Contact{ID: "c1"})
	exec := NewExecutor(store)

	result := exec.Execute(context.Background(), "c1", call(ToolNameCaptureLead, `{"name":"Ana"}`))

	assert.Equal(t, StatusError, result.Status)
	assert.Equal(t, ErrContactInfoRequired, result.Message)
	assert.Zero(t, store.updateCalls, "a validation failure must not mutate the contact")
}

func TestExecute_InvalidEmailDoesNotMutate(t *testing.T) {
	store := newFakeContactStore(&datatypes.Contact{ID: "c1"})
	exec := NewExecutor(store)

	result := exec.Execute(context.Background(), "c1", call(ToolNameCaptureLead, `{"email":"not-an-email"}`))

	assert.Equal(t, StatusError, result.Status)
	assert.Equal(t, ErrInvalidEmail, result.Message)
	assert.Zero(t, store.updateCalls)
}

func TestExecute_PhoneOnlySucceeds(t *testing.T) {
	store := newFakeContactStore(&datatypes.Contact{ID: "c1"})
	exec := NewExecutor(store)

	result := exec.Execute(context.Background(), "c1",
		call(ToolNameCaptureLead, `{"phone":"0052 55 1234 5678","name":"Ana"}`))

	require.Equal(t, StatusOK, result.Status)
	assert.Equal(t, "+525512345678", store.contacts["c1"].Phone)
	assert.Equal(t, "Ana", store.contacts["c1"].Name)
	assert.ElementsMatch(t, []string{"phone", "name"}, result.UpdatedFields)
	assert.Equal(t, "assistant", result.AppliedPatch["capture_source"])
}

func TestExecute_ShortPhoneIsOmittedNotRejected(t *testing.T) {
	store := newFakeContactStore(&datatypes.Contact{ID: "c1"})
	exec := NewExecutor(store)

	result := exec.Execute(context.Background(), "c1",
		call(ToolNameCaptureLead, `{"email":"ana@example.com","phone":"123"}`))

	require.Equal(t, StatusOK, result.Status)
	assert.Equal(t, "ana@example.com", store.contacts["c1"].Email)
	assert.Empty(t, store.contacts["c1"].Phone)
	assert.NotContains(t, result.UpdatedFields, "phone")
}

func TestExecute_MalformedArgumentsDegradeToEmpty(t *testing.T) {
	store := newFakeContactStore(&datatypes.Contact{ID: "c1"})
	exec := NewExecutor(store)

	result := exec.Execute(context.Background(), "c1", call(ToolNameCaptureLead, `{"email": `))

	// Empty argument set means no contact info was supplied.
	assert.Equal(t, StatusError, result.Status)
	assert.Equal(t, ErrContactInfoRequired, result.Message)
}

func TestExecute_IdempotentPerField(t *testing.T) {
	store := newFakeContactStore(&datatypes.Contact{ID: "c1"})
	exec := NewExecutor(store)
	exec.now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }

	args := `{"email":"ana@example.com","company":"Acme"}`
	first := exec.Execute(context.Background(), "c1", call(ToolNameCaptureLead, args))
	second := exec.Execute(context.Background(), "c1", call(ToolNameCaptureLead, args))

	require.Equal(t, StatusOK, first.Status)
	require.Equal(t, StatusOK, second.Status)
	assert.Len(t, first.UpdatedFields, 2)
	assert.Empty(t, second.UpdatedFields, "identical re-run converges with no new writes")
	assert.Equal(t, 1, store.updateCalls)
}

func TestExecute_NeverDeletesExistingFields(t *testing.T) {
	store := newFakeContactStore(&datatypes.Contact{ID: "c1", Name: "Ana Torres", Company: "Acme"})
	exec := NewExecutor(store)

	result := exec.Execute(context.Background(), "c1",
		call(ToolNameCaptureLead, `{"email":"ana@example.com"}`))

	require.Equal(t, StatusOK, result.Status)
	assert.Equal(t, "Ana Torres", store.contacts["c1"].Name)
	assert.Equal(t, "Acme", store.contacts["c1"].Company)
	assert.Equal(t, []string{"email"}, result.UpdatedFields)
}

func TestExecute_MissingContactID(t *testing.T) {
	exec := NewExecutor(newFakeContactStore())

	result := exec.Execute(context.Background(), "", call(ToolNameCaptureLead, `{"email":"ana@example.com"}`))

	assert.Equal(t, StatusError, result.Status)
	assert.Equal(t, ErrContactUnavailable, result.Message)
}

func TestExecute_StoreOutageIsStructured(t *testing.T) {
	store := newFakeContactStore(&datatypes.Contact{ID: "c1"})
	store.failUpdate = true
	exec := NewExecutor(store)

	result := exec.Execute(context.Background(), "c1",
		call(ToolNameCaptureLead, `{"email":"ana@example.com"}`))

	assert.Equal(t, StatusError, result.Status)
	assert.Equal(t, ErrContactUpdateFailed, result.Message)
}
