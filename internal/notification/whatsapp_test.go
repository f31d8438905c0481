package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSendTemplatePayload(t *testing.T) {
	var got waRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/PN1/messages", r.URL.Path)
		assert.Equal(t, "Bearer wa-token", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}))
	defer srv.Close()

	c := NewWhatsAppClient(config.WhatsAppConfig{
		APIBase:       srv.URL,
		PhoneNumberID: "PN1",
		AccessToken:   "wa-token",
		TemplateName:  "digest",
		Language:      "en",
	}, zaptest.NewLogger(t))

	id, err := c.SendTemplate(context.Background(), &TemplateMessage{
		To:          "+1 111-111-1111",
		BodyParams:  []string{"3", "0", "0", "T1", "2024-03-11"},
		ButtonParam: "T1/2024-03-11/ua",
	})
	require.NoError(t, err)
	assert.Equal(t, "wamid.1", id)

	assert.Equal(t, "whatsapp", got.MessagingProduct)
	assert.Equal(t, "11111111111", got.To)
	assert.Equal(t, "digest", got.Template.Name)
	assert.Equal(t, "en", got.Template.Language.Code)
	require.Len(t, got.Template.Components, 2)
	body := got.Template.Components[0]
	assert.Equal(t, "body", body.Type)
	require.Len(t, body.Parameters, 5)
	assert.Equal(t, "3", body.Parameters[0].Text)
	assert.Equal(t, "T1", body.Parameters[3].Text)
	button := got.Template.Components[1]
	assert.Equal(t, "url", button.SubType)
	assert.Equal(t, "T1/2024-03-11/ua", button.Parameters[0].Text)
}

func TestSendTemplateAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid parameter"}}`))
	}))
	defer srv.Close()

	c := NewWhatsAppClient(config.WhatsAppConfig{APIBase: srv.URL, PhoneNumberID: "PN1"}, zaptest.NewLogger(t))
	_, err := c.SendTemplate(context.Background(), &TemplateMessage{To: "1"})
	assert.ErrorContains(t, err, "400")
}
