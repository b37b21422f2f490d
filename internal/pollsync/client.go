package pollsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/icholy/digest"

	"github.com/nerrad567/biogate/internal/device"
)

const (
	acsEventPath = "/ISAPI/AccessControl/AcsEvent?format=json"

	// isapiTimeLayout is the AcsEventCond time format.
	isapiTimeLayout = "2006-01-02T15:04:05-07:00"

	// searchID is constant; terminals only use it to tell concurrent
	// searches apart.
	searchID = "biogate"
)

// Event is one AcsEvent InfoList entry.
type Event struct {
	Major            int    `json:"major"`
	Minor            int    `json:"minor"`
	Time             string `json:"time"`
	EmployeeNo       string `json:"employeeNoString"`
	AttendanceStatus string `json:"attendanceStatus"`
	SerialNo         int64  `json:"serialNo"`
	Name             string `json:"name,omitempty"`
}

type acsEventCond struct {
	SearchID             string `json:"searchID"`
	SearchResultPosition int    `json:"searchResultPosition"`
	MaxResults           int    `json:"maxResults"`
	Major                int    `json:"major"`
	Minor                int    `json:"minor"`
	StartTime            string `json:"startTime"`
	EndTime              string `json:"endTime"`
}

type acsEventRequest struct {
	AcsEventCond acsEventCond `json:"AcsEventCond"`
}

type acsEventResponse struct {
	AcsEvent struct {
		SearchID           string  `json:"searchID"`
		TotalMatches       int     `json:"totalMatches"`
		ResponseStatusStrg string  `json:"responseStatusStrg"`
		NumOfMatches       int     `json:"numOfMatches"`
		InfoList           []Event `json:"InfoList"`
	} `json:"AcsEvent"`
}

// Fetcher reads the event log of one terminal.
type Fetcher interface {
	Fetch(ctx context.Context, start, end time.Time, maxRecords int) ([]Event, error)
}

// Client is an ISAPI client for one terminal.
type Client struct {
	http     *http.Client
	baseURL  string
	pageSize int
}

// NewClient creates a client for cfg. Every request is bounded by timeout.
func NewClient(cfg device.ISAPIConfig, timeout time.Duration, pageSize int) *Client {
	if pageSize <= 0 {
		pageSize = 30
	}
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &digest.Transport{
				Username: cfg.Username,
				Password: cfg.Password,
			},
		},
		baseURL:  cfg.BaseURL(),
		pageSize: pageSize,
	}
}

// Fetch pages through every event between start and end. It refuses ranges
// holding more than maxRecords events (0 means no limit).
func (c *Client) Fetch(ctx context.Context, start, end time.Time, maxRecords int) ([]Event, error) {
	cond := acsEventCond{
		SearchID:   searchID,
		MaxResults: c.pageSize,
		StartTime:  start.Format(isapiTimeLayout),
		EndTime:    end.Format(isapiTimeLayout),
	}

	var events []Event
	for {
		page, err := c.search(ctx, cond)
		if err != nil {
			return nil, err
		}
		total := page.AcsEvent.TotalMatches
		if cond.SearchResultPosition == 0 && maxRecords > 0 && total > maxRecords {
			return nil, fmt.Errorf("%w: %d records, limit %d", ErrTooManyRecords, total, maxRecords)
		}

		events = append(events, page.AcsEvent.InfoList...)
		cond.SearchResultPosition += len(page.AcsEvent.InfoList)

		if len(page.AcsEvent.InfoList) == 0 || cond.SearchResultPosition >= total {
			return events, nil
		}
	}
}

func (c *Client) search(ctx context.Context, cond acsEventCond) (*acsEventResponse, error) {
	body, err := json.Marshal(acsEventRequest{AcsEventCond: cond})
	if err != nil {
		return nil, fmt.Errorf("encoding search: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+acsEventPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searching events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) //nolint:errcheck // best effort detail
		return nil, fmt.Errorf("%w: status %d at position %d: %s",
			ErrDeviceResponse, resp.StatusCode, cond.SearchResultPosition, bytes.TrimSpace(snippet))
	}

	var out acsEventResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding events: %w", ErrDeviceResponse, err)
	}
	return &out, nil
}
