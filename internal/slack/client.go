// ABOUTME: Slack Web API client for chat.postMessage built on slack-go
// ABOUTME: The bot token is passed per call since each team has its own installation

package slack

import (
	"context"
	"errors"
	"net/http"
	"strings"

	slackapi "github.com/slack-go/slack"
)

// DefaultAPIURL is the Slack Web API base.
const DefaultAPIURL = "https://slack.com/api"

// PostMessageRequest is the chat.postMessage payload.
type PostMessageRequest struct {
	Channel     string
	Text        string
	ThreadTS    string
	UnfurlLinks bool
	UnfurlMedia bool
}

// PostMessageResponse is the part of the chat.postMessage reply we use.
type PostMessageResponse struct {
	OK    bool
	Error string
	TS    string
}

// Poster posts chat messages.
type Poster interface {
	PostMessage(ctx context.Context, token string, req *PostMessageRequest) (*PostMessageResponse, error)
}

// Client calls the Slack Web API through slack-go.
type Client struct {
	apiURL string
	http   *http.Client
}

// NewClient creates a client for apiURL; empty uses DefaultAPIURL and a nil
// httpClient uses http.DefaultClient.
func NewClient(apiURL string, httpClient *http.Client) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		apiURL: strings.TrimRight(apiURL, "/") + "/",
		http:   httpClient,
	}
}

// PostMessage calls chat.postMessage. A reply with ok=false is not an error at
// this level; it comes back as OK=false with Slack's error code.
func (c *Client) PostMessage(ctx context.Context, token string, req *PostMessageRequest) (*PostMessageResponse, error) {
	api := slackapi.New(token,
		slackapi.OptionAPIURL(c.apiURL),
		slackapi.OptionHTTPClient(c.http),
	)

	opts := []slackapi.MsgOption{slackapi.MsgOptionText(req.Text, false)}
	if req.ThreadTS != "" {
		opts = append(opts, slackapi.MsgOptionTS(req.ThreadTS))
	}
	if req.UnfurlLinks {
		opts = append(opts, slackapi.MsgOptionEnableLinkUnfurl())
	} else {
		opts = append(opts, slackapi.MsgOptionDisableLinkUnfurl())
	}
	if !req.UnfurlMedia {
		opts = append(opts, slackapi.MsgOptionDisableMediaUnfurl())
	}

	_, ts, err := api.PostMessageContext(ctx, req.Channel, opts...)
	if err != nil {
		var apiErr slackapi.SlackErrorResponse
		if errors.As(err, &apiErr) {
			return &PostMessageResponse{OK: false, Error: apiErr.Err}, nil
		}
		return nil, err
	}
	// slack-go reports ok=false without an error code as success; a real post always has a ts.
	if ts == "" {
		return &PostMessageResponse{OK: false}, nil
	}
	return &PostMessageResponse{OK: true, TS: ts}, nil
}
