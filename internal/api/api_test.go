package api_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/convstack/botengine/internal/api"
	"github.com/convstack/botengine/internal/models"
	"github.com/convstack/botengine/internal/testutil"
)

func whatsAppTextEnvelope(from, text string) map[string]interface{} {
	return map[string]interface{}{
		"object": "whatsapp_business_account",
		"entry": []interface{}{map[string]interface{}{
			"changes": []interface{}{map[string]interface{}{
				"value": map[string]interface{}{
					"metadata": map[string]interface{}{"phone_number_id": testutil.TestWhatsAppID},
					"contacts": []interface{}{map[string]interface{}{
						"profile": map[string]interface{}{"name": "Ada"},
						"wa_id":   from,
					}},
					"messages": []interface{}{map[string]interface{}{
						"from": from,
						"type": "text",
						"text": map[string]interface{}{"body": text},
					}},
				},
			}},
		}},
	}
}

func whatsAppReplyEnvelope(from, optionID, title string) map[string]interface{} {
	return map[string]interface{}{
		"object": "whatsapp_business_account",
		"entry": []interface{}{map[string]interface{}{
			"changes": []interface{}{map[string]interface{}{
				"value": map[string]interface{}{
					"metadata": map[string]interface{}{"phone_number_id": testutil.TestWhatsAppID},
					"messages": []interface{}{map[string]interface{}{
						"from": from,
						"type": "interactive",
						"interactive": map[string]interface{}{
							"type":         "button_reply",
							"button_reply": map[string]interface{}{"id": optionID, "title": title},
						},
					}},
				},
			}},
		}},
	}
}

func TestWhatsAppWebhookFirstContact(t *testing.T) {
	f := testutil.NewTestServer()
	handler := f.Server.Handler()

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook/whatsapp", whatsAppTextEnvelope("15551234567", "hi"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rec.Code, "whatsapp webhook")
	testutil.AssertJSONResponse(t, rec, "ok")

	// First contact runs the story from its first block and parks on the question.
	cursor, err := f.Store.GetCursor(req.Context(), models.EndUserID(models.PlatformWhatsApp, "15551234567"), testutil.TestOrgID)
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if cursor == nil {
		t.Fatal("expected cursor after first contact")
	}
	if cursor.Position.BlockID != "ask" {
		t.Errorf("expected cursor parked on question, got %s", cursor.Position.BlockID)
	}

	payload := f.Sent.Last()
	if payload == nil {
		t.Fatal("expected outbound payload")
	}
	body := string(payload.Body)
	if !strings.Contains(body, "Welcome!") || !strings.Contains(body, "Do you want to continue?") {
		t.Errorf("expected welcome and question in payload, got %s", body)
	}
}

func TestWhatsAppWebhookOptionReply(t *testing.T) {
	f := testutil.NewTestServer()
	handler := f.Server.Handler()

	first := testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook/whatsapp", whatsAppTextEnvelope("15551234567", "hi"))
	handler.ServeHTTP(httptest.NewRecorder(), first)

	reply := testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook/whatsapp", whatsAppReplyEnvelope("15551234567", "opt-yes", "Yes"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, reply)

	testutil.AssertHTTPStatus(t, http.StatusOK, rec.Code, "whatsapp reply")

	payload := f.Sent.Last()
	if payload == nil {
		t.Fatal("expected outbound payload")
	}
	if !strings.Contains(string(payload.Body), "Great, let's go.") {
		t.Errorf("expected yes-path content, got %s", payload.Body)
	}

	endUser, err := f.Store.GetEndUser(reply.Context(), models.EndUserID(models.PlatformWhatsApp, "15551234567"))
	if err != nil {
		t.Fatalf("GetEndUser failed: %v", err)
	}
	if endUser.Status != models.ChatStatusCompleted {
		t.Errorf("expected completed chat status after end anchor, got %s", endUser.Status)
	}
}

func TestWhatsAppWebhookRejectsInvalidJSON(t *testing.T) {
	f := testutil.NewTestServer()

	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.Server.Handler().ServeHTTP(rec, req)

	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rec.Code, "invalid JSON")
}

func TestMessengerWebhookVerification(t *testing.T) {
	f := testutil.NewTestServer()
	handler := f.Server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/webhook/messenger?hub.mode=subscribe&hub.verify_token=verify-token&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rec.Code, "verification")
	if rec.Body.String() != "12345" {
		t.Errorf("expected challenge echo, got %q", rec.Body.String())
	}

	bad := httptest.NewRequest(http.MethodGet, "/webhook/messenger?hub.mode=subscribe&hub.verify_token=wrong", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, bad)
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rec.Code, "bad token")
}

func TestMessengerWebhookEvent(t *testing.T) {
	f := testutil.NewTestServer()
	handler := f.Server.Handler()

	event := map[string]interface{}{
		"object": "page",
		"entry": []interface{}{map[string]interface{}{
			"messaging": []interface{}{map[string]interface{}{
				"sender":    map[string]interface{}{"id": "psid-77"},
				"recipient": map[string]interface{}{"id": testutil.TestMessengerID},
				"message":   map[string]interface{}{"text": "hello"},
			}},
		}},
	}
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook/messenger", event)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rec.Code, "messenger event")

	cursor, err := f.Store.GetCursor(req.Context(), models.EndUserID(models.PlatformMessenger, "psid-77"), testutil.TestOrgID)
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if cursor == nil || cursor.Position.BlockID != "ask" {
		t.Fatalf("expected cursor parked on question, got %+v", cursor)
	}
}

func postIVRForm(t *testing.T, handler http.Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/ivr", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestIVRWebhookFirstContactReturnsGather(t *testing.T) {
	f := testutil.NewTestServer()

	rec := postIVRForm(t, f.Server.Handler(), url.Values{
		"To":      {testutil.TestIVRID},
		"From":    {"+15551234567"},
		"CallSid": {"CA123"},
	})

	testutil.AssertHTTPStatus(t, http.StatusOK, rec.Code, "ivr first contact")
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("expected text/xml, got %s", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<Gather") || !strings.Contains(body, "press 0") {
		t.Errorf("expected gather prompt with zero-based digits, got %s", body)
	}
}

func TestIVRWebhookPromptDigitRoutesToAnnouncedOption(t *testing.T) {
	f := testutil.NewTestServer()
	handler := f.Server.Handler()

	first := postIVRForm(t, handler, url.Values{"To": {testutil.TestIVRID}, "From": {"+15551234567"}})
	if !strings.Contains(first.Body.String(), "press 0") {
		t.Fatalf("expected first option announced as digit 0, got %s", first.Body.String())
	}

	// Pressing the digit the prompt announced for the first option must
	// land on the first option's branch.
	rec := postIVRForm(t, handler, url.Values{
		"To":     {testutil.TestIVRID},
		"From":   {"+15551234567"},
		"Digits": {"0"},
	})

	testutil.AssertHTTPStatus(t, http.StatusOK, rec.Code, "ivr announced digit")
	if !strings.Contains(rec.Body.String(), "Great, let's go.") {
		t.Errorf("expected yes-path content, got %s", rec.Body.String())
	}
}

func TestIVRWebhookDigitSelectsOption(t *testing.T) {
	f := testutil.NewTestServer()
	handler := f.Server.Handler()

	postIVRForm(t, handler, url.Values{"To": {testutil.TestIVRID}, "From": {"+15551234567"}})

	// Digit 1 selects the second option (zero-based index into the option list).
	rec := postIVRForm(t, handler, url.Values{
		"To":     {testutil.TestIVRID},
		"From":   {"+15551234567"},
		"Digits": {"1"},
	})

	testutil.AssertHTTPStatus(t, http.StatusOK, rec.Code, "ivr digits")
	if !strings.Contains(rec.Body.String(), "Maybe next time.") {
		t.Errorf("expected no-path content, got %s", rec.Body.String())
	}
}

func TestIVRWebhookOutOfRangeDigitFallsBack(t *testing.T) {
	f := testutil.NewTestServer()
	handler := f.Server.Handler()

	postIVRForm(t, handler, url.Values{"To": {testutil.TestIVRID}, "From": {"+15551234567"}})

	rec := postIVRForm(t, handler, url.Values{
		"To":     {testutil.TestIVRID},
		"From":   {"+15551234567"},
		"Digits": {"7"},
	})

	testutil.AssertHTTPStatus(t, http.StatusOK, rec.Code, "ivr out-of-range digit")
	if !strings.Contains(rec.Body.String(), "Great, let's go.") {
		t.Errorf("expected first-option fallback content, got %s", rec.Body.String())
	}
}

func TestIVRWebhookMissingIdentity(t *testing.T) {
	f := testutil.NewTestServer()

	rec := postIVRForm(t, f.Server.Handler(), url.Values{"From": {"+15551234567"}})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rec.Code, "missing To")
}

func TestStartMicroAppUnknownSession(t *testing.T) {
	f := testutil.NewTestServer()

	req := httptest.NewRequest(http.MethodGet, "/start/does-not-exist", nil)
	rec := httptest.NewRecorder()
	f.Server.Handler().ServeHTTP(rec, req)

	testutil.AssertHTTPStatus(t, http.StatusNotFound, rec.Code, "unknown micro-app session")
	testutil.AssertJSONResponse(t, rec, "error")
}

func TestSendEndpoint(t *testing.T) {
	f := testutil.NewTestServer()
	handler := f.Server.Handler()

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/send", map[string]interface{}{
		"platform": "whatsapp",
		"to":       "15551234567",
		"message":  "Class starts tomorrow",
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rec.Code, "send")
	testutil.AssertJSONResponse(t, rec, "ok")

	payload := f.Sent.Last()
	if payload == nil {
		t.Fatal("expected outbound payload")
	}
	if !strings.Contains(string(payload.Body), "Class starts tomorrow") {
		t.Errorf("expected message text in payload, got %s", payload.Body)
	}
}

func TestSendEndpointValidation(t *testing.T) {
	f := testutil.NewTestServer()
	handler := f.Server.Handler()

	cases := []map[string]interface{}{
		{"platform": "telegram", "to": "15551234567", "message": "hi"},
		{"platform": "whatsapp", "to": "15551234567", "message": ""},
		{"platform": "whatsapp", "to": "", "message": "hi"},
	}
	for i, body := range cases {
		req := testutil.CreateHTTPRequest(t, http.MethodPost, "/send", body)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("case %d: expected 400, got %d", i, rec.Code)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := testutil.NewTestServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.Server.Handler().ServeHTTP(rec, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rec.Code, "health")
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("expected healthy status, got %s", rec.Body.String())
	}
}

func TestTwilioWebhookRouteMountsHandler(t *testing.T) {
	hit := false
	f := testutil.NewTestServer(api.WithTwilioWebhook(func(w http.ResponseWriter, _ *http.Request) {
		hit = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader("From=%2B15551234567&Body=hi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.Server.Handler().ServeHTTP(rec, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rec.Code, "twilio webhook")
	if !hit {
		t.Error("expected mounted handler to be invoked")
	}

	// Without the option the route stays unmounted.
	bare := testutil.NewTestServer()
	rec = httptest.NewRecorder()
	bare.Server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/twilio", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rec.Code, "unmounted twilio webhook")
}
