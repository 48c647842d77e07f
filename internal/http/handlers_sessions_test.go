package httpx

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptline/agentd/internal/domain/model"
)

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	closeBody(t, resp)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSubmitMessageAccepted(t *testing.T) {
	fixture := newAPIFixture(t)

	resp := postJSON(t, fixture.url("/api/sessions/s1/messages"), map[string]any{"prompt": "hello"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ack := decodeBody[submitMessageResponse](t, resp)
	assert.NotEmpty(t, ack.JobID)
	assert.NotEmpty(t, ack.MessageID)

	// The user message is on the durable log.
	msg, err := fixture.messages.GetByID(t.Context(), ack.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageKindUser, msg.Kind)
	assert.Equal(t, "s1", msg.SessionID)
}

func TestSubmitMessageConflictWhenSessionBusy(t *testing.T) {
	fixture := newAPIFixture(t)

	first := postJSON(t, fixture.url("/api/sessions/s1/messages"), map[string]any{"prompt": "one"})
	require.Equal(t, http.StatusAccepted, first.StatusCode)

	second := postJSON(t, fixture.url("/api/sessions/s1/messages"), map[string]any{"prompt": "two"})
	assert.Equal(t, http.StatusConflict, second.StatusCode)
}

func TestSubmitMessageHonorsClientMessageID(t *testing.T) {
	fixture := newAPIFixture(t)

	resp := postJSON(t, fixture.url("/api/sessions/s1/messages"),
		map[string]any{"prompt": "hello", "message_id": "11111111-1111-1111-1111-111111111111"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ack := decodeBody[submitMessageResponse](t, resp)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", ack.MessageID)
}

func TestSubmitMessageBusySessionLeavesLogUntouched(t *testing.T) {
	fixture := newAPIFixture(t)

	first := postJSON(t, fixture.url("/api/sessions/s1/messages"), map[string]any{"prompt": "one"})
	require.Equal(t, http.StatusAccepted, first.StatusCode)

	second := postJSON(t, fixture.url("/api/sessions/s1/messages"), map[string]any{"prompt": "two"})
	require.Equal(t, http.StatusConflict, second.StatusCode)

	// The rejected submission left neither a job nor a user message behind.
	resp, err := http.Get(fixture.url("/api/sessions/s1/messages"))
	require.NoError(t, err)
	closeBody(t, resp)
	page := decodeBody[model.MessagePage](t, resp)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, model.MessageKindUser, page.Messages[0].Kind)
}

func TestSubmitMessageValidation(t *testing.T) {
	fixture := newAPIFixture(t)

	resp := postJSON(t, fixture.url("/api/sessions/s1/messages"), map[string]any{"prompt": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListMessagesReturnsPageWithSessionState(t *testing.T) {
	fixture := newAPIFixture(t)

	submit := postJSON(t, fixture.url("/api/sessions/s1/messages"), map[string]any{"prompt": "hello"})
	require.Equal(t, http.StatusAccepted, submit.StatusCode)

	resp, err := http.Get(fixture.url("/api/sessions/s1/messages"))
	require.NoError(t, err)
	closeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	page := decodeBody[model.MessagePage](t, resp)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, model.MessageKindUser, page.Messages[0].Kind)
	assert.Equal(t, "s1", page.Session.ID)
	assert.False(t, page.Session.IsWorking)
	assert.NotEmpty(t, page.NextCursor)
}

func TestListMessagesInvalidCursor(t *testing.T) {
	fixture := newAPIFixture(t)

	submit := postJSON(t, fixture.url("/api/sessions/s1/messages"), map[string]any{"prompt": "hello"})
	require.Equal(t, http.StatusAccepted, submit.StatusCode)

	resp, err := http.Get(fixture.url("/api/sessions/s1/messages?after=not-a-cursor"))
	require.NoError(t, err)
	closeBody(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListMessagesUnknownSession(t *testing.T) {
	fixture := newAPIFixture(t)

	resp, err := http.Get(fixture.url("/api/sessions/missing/messages"))
	require.NoError(t, err)
	closeBody(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelPendingJob(t *testing.T) {
	fixture := newAPIFixture(t)

	submit := postJSON(t, fixture.url("/api/sessions/s1/messages"), map[string]any{"prompt": "hello"})
	require.Equal(t, http.StatusAccepted, submit.StatusCode)
	ack := decodeBody[submitMessageResponse](t, submit)

	resp := postJSON(t, fixture.url("/api/sessions/s1/cancel"), map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancelAck := decodeBody[cancelResponse](t, resp)
	assert.Equal(t, ack.JobID, cancelAck.JobID)
	assert.Equal(t, model.JobStatusCancelled, cancelAck.Status)

	// Cancelled pending job frees the session for the next submission.
	again := postJSON(t, fixture.url("/api/sessions/s1/messages"), map[string]any{"prompt": "next"})
	assert.Equal(t, http.StatusAccepted, again.StatusCode)
}

func TestCancelWithoutActiveJob(t *testing.T) {
	fixture := newAPIFixture(t)

	resp := postJSON(t, fixture.url("/api/sessions/s1/cancel"), map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobStatusEndpoint(t *testing.T) {
	fixture := newAPIFixture(t)

	submit := postJSON(t, fixture.url("/api/sessions/s1/messages"), map[string]any{"prompt": "hello"})
	require.Equal(t, http.StatusAccepted, submit.StatusCode)
	ack := decodeBody[submitMessageResponse](t, submit)

	resp, err := http.Get(fixture.url("/api/jobs/" + ack.JobID))
	require.NoError(t, err)
	closeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status := decodeBody[model.JobStatusResponse](t, resp)
	assert.Equal(t, model.JobStatusPending, status.Status)

	missing, err := http.Get(fixture.url("/api/jobs/nope"))
	require.NoError(t, err)
	closeBody(t, missing)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}
