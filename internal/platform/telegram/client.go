package telegram

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultAPIURL = "https://api.telegram.org"

type Client struct {
	Token      string
	apiURL     string
	httpClient *resty.Client
}

func NewClient(token string) *Client {
	return &Client{
		Token:      token,
		apiURL:     defaultAPIURL,
		httpClient: resty.New().SetTimeout(10 * time.Second),
	}
}

type sendMessageReq struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (c *Client) method(name string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.apiURL, c.Token, name)
}

func (c *Client) SendMessage(chatID int64, text string) error {
	var out apiResponse
	resp, err := c.httpClient.R().
		SetHeader("Content-Type", "application/json").
		SetBody(sendMessageReq{ChatID: chatID, Text: text}).
		SetResult(&out).
		SetError(&out).
		Post(c.method("sendMessage"))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return check(resp, out)
}

// SendDocument uploads fileData as a document attachment.
func (c *Client) SendDocument(chatID int64, fileData []byte, fileName string) error {
	var out apiResponse
	resp, err := c.httpClient.R().
		SetFormData(map[string]string{"chat_id": strconv.FormatInt(chatID, 10)}).
		SetFileReader("document", fileName, bytes.NewReader(fileData)).
		SetResult(&out).
		SetError(&out).
		Post(c.method("sendDocument"))
	if err != nil {
		return fmt.Errorf("failed to send telegram document: %w", err)
	}
	return check(resp, out)
}

func check(resp *resty.Response, out apiResponse) error {
	if resp.IsError() || !out.OK {
		return fmt.Errorf("telegram api returned status: %s, body: %s", resp.Status(), resp.String())
	}
	return nil
}
