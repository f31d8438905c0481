package notification

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/config"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/pkg/httputil"

	"go.uber.org/zap"
)

// TemplateMessage WhatsApp 模板消息
type TemplateMessage struct {
	To string
	// BodyParams 按模板占位符顺序排列
	BodyParams []string
	// ButtonParam URL 按钮的动态后缀，空则不带按钮参数
	ButtonParam string
}

type waParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type waComponent struct {
	Type       string        `json:"type"`
	SubType    string        `json:"sub_type,omitempty"`
	Index      string        `json:"index,omitempty"`
	Parameters []waParameter `json:"parameters"`
}

type waLanguage struct {
	Code string `json:"code"`
}

type waTemplate struct {
	Name       string        `json:"name"`
	Language   waLanguage    `json:"language"`
	Components []waComponent `json:"components"`
}

type waRequest struct {
	MessagingProduct string     `json:"messaging_product"`
	To               string     `json:"to"`
	Type             string     `json:"type"`
	Template         waTemplate `json:"template"`
}

type waResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// WhatsAppClient WhatsApp Cloud API 客户端
type WhatsAppClient struct {
	config config.WhatsAppConfig
	http   *httputil.Client
	log    *zap.Logger
}

// NewWhatsAppClient 创建客户端
func NewWhatsAppClient(cfg config.WhatsAppConfig, log *zap.Logger, opts ...httputil.ClientOption) *WhatsAppClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	all := append([]httputil.ClientOption{httputil.WithTimeout(timeout)}, opts...)
	return &WhatsAppClient{
		config: cfg,
		http:   httputil.NewClient(all...),
		log:    log.Named("whatsapp"),
	}
}

// SendTemplate 发送模板消息，返回消息 ID
func (c *WhatsAppClient) SendTemplate(ctx context.Context, msg *TemplateMessage) (string, error) {
	body := make([]waParameter, 0, len(msg.BodyParams))
	for _, p := range msg.BodyParams {
		body = append(body, waParameter{Type: "text", Text: p})
	}
	components := []waComponent{{Type: "body", Parameters: body}}
	if msg.ButtonParam != "" {
		components = append(components, waComponent{
			Type:       "button",
			SubType:    "url",
			Index:      "0",
			Parameters: []waParameter{{Type: "text", Text: msg.ButtonParam}},
		})
	}

	req := waRequest{
		MessagingProduct: "whatsapp",
		To:               NormalizePhone(msg.To),
		Type:             "template",
		Template: waTemplate{
			Name:       c.config.TemplateName,
			Language:   waLanguage{Code: c.config.Language},
			Components: components,
		},
	}

	url := strings.TrimRight(c.config.APIBase, "/") + "/" + c.config.PhoneNumberID + "/messages"
	headers := http.Header{"Authorization": []string{"Bearer " + c.config.AccessToken}}

	var resp waResponse
	if err := c.http.PostJSON(ctx, url, headers, req, &resp); err != nil {
		return "", fmt.Errorf("WhatsApp 消息发送失败: %w", err)
	}
	if len(resp.Messages) == 0 {
		return "", nil
	}
	return resp.Messages[0].ID, nil
}

// NormalizePhone 去掉 "+"、空格与连字符，API 要求纯数字国际号码
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
