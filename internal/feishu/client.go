// Package feishu reads the news-digest bitable tables through the Feishu (Lark)
// open platform.
//
// Three tables back the digest: a keyword table (one keyword per record), a summary
// table (an AI summary per keyword and day) and a news table (source articles per
// keyword and day). Tenant access tokens are obtained and refreshed by the Lark
// client; app credentials never leave the server.
package feishu

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/book-expert/logger"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	"golang.org/x/time/rate"
)

const (
	defaultPageSize          = 100
	defaultRequestsPerSecond = 5
	defaultTimezone          = "Asia/Shanghai"
	dateLayout               = "2006/01/02"
	conjunctionAnd           = "and"
	operatorIs               = "is"
)

// Record field names.
const (
	FieldKeyword = "keyword"
	FieldDate    = "date"
	FieldSummary = "summary"
	FieldUpdate  = "update"
	FieldTitle   = "title"
	FieldLink    = "link"
)

var (
	// ErrMissingCredentials indicates that the app id or secret is empty.
	ErrMissingCredentials = errors.New("feishu app id and secret are required")
	// ErrMissingTable indicates that a table needed by a call is not configured.
	ErrMissingTable = errors.New("feishu table is not configured")
	// ErrAPI wraps a non-zero code returned by the open platform.
	ErrAPI = errors.New("feishu api error")
)

// Config holds the bitable location and client tuning.
type Config struct {
	AppID             string
	AppSecret         string
	AppToken          string
	KeywordTable      string
	SummaryTable      string
	NewsTable         string
	BaseURL           string
	Timezone          string
	RequestsPerSecond float64
	PageSize          int
}

// Summary is one AI-generated digest entry.
type Summary struct {
	Keyword string `json:"keyword"`
	Date    string `json:"date"`
	Summary string `json:"summary"`
	Update  string `json:"update"`
}

// NewsLink is a source article behind a summary.
type NewsLink struct {
	Title string `json:"title"`
	Link  string `json:"link"`
}

// Record is a raw bitable row as relayed by the proxy endpoint.
type Record struct {
	RecordID string         `json:"record_id,omitempty"`
	Fields   map[string]any `json:"fields"`
}

// Client queries the digest tables.
type Client struct {
	cfg      Config
	lark     *lark.Client
	limiter  *rate.Limiter
	location *time.Location
	log      *logger.Logger
}

// NewClient validates cfg and builds a Lark client for it.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.AppID) == "" || strings.TrimSpace(cfg.AppSecret) == "" {
		return nil, ErrMissingCredentials
	}

	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}

	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}

	if cfg.Timezone == "" {
		cfg.Timezone = defaultTimezone
	}

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid feishu timezone %q: %w", cfg.Timezone, err)
	}

	options := []lark.ClientOptionFunc{}
	if cfg.BaseURL != "" {
		options = append(options, lark.WithOpenBaseUrl(strings.TrimRight(cfg.BaseURL, "/")))
	}

	return &Client{
		cfg:      cfg,
		lark:     lark.NewClient(cfg.AppID, cfg.AppSecret, options...),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		location: location,
		log:      log,
	}, nil
}

// KeywordRecords returns every record of the keyword table.
func (c *Client) KeywordRecords(ctx context.Context) ([]Record, error) {
	return c.listAll(ctx, c.cfg.KeywordTable)
}

// Keywords returns the distinct, non-empty keywords in sorted order.
func (c *Client) Keywords(ctx context.Context) ([]string, error) {
	records, err := c.KeywordRecords(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(records))
	keywords := make([]string, 0, len(records))

	for _, record := range records {
		keyword := strings.TrimSpace(fieldText(record.Fields[FieldKeyword]))
		if keyword == "" {
			continue
		}

		if _, ok := seen[keyword]; ok {
			continue
		}

		seen[keyword] = struct{}{}
		keywords = append(keywords, keyword)
	}

	sort.Strings(keywords)

	return keywords, nil
}

// SummaryRecords returns the summary-table records whose date equals date and whose
// keyword is one of keywords. No keywords means every keyword. Dates compare as
// YYYY/MM/DD.
func (c *Client) SummaryRecords(ctx context.Context, date string, keywords []string) ([]Record, error) {
	records, err := c.listAll(ctx, c.cfg.SummaryTable)
	if err != nil {
		return nil, err
	}

	wantDate := NormalizeDate(date)
	wanted := make(map[string]struct{}, len(keywords))

	for _, keyword := range keywords {
		wanted[keyword] = struct{}{}
	}

	matched := make([]Record, 0, len(records))

	for _, record := range records {
		if fieldDate(record.Fields[FieldDate], c.location) != wantDate {
			continue
		}

		if _, ok := wanted[fieldText(record.Fields[FieldKeyword])]; len(wanted) > 0 && !ok {
			continue
		}

		matched = append(matched, record)
	}

	c.log.Info("Feishu summaries for %s: %d of %d records match %d keywords",
		wantDate, len(matched), len(records), len(keywords))

	return matched, nil
}

// Summaries returns the digest entries for date and keywords.
func (c *Client) Summaries(ctx context.Context, date string, keywords []string) ([]Summary, error) {
	records, err := c.SummaryRecords(ctx, date, keywords)
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(records))
	for _, record := range records {
		summaries = append(summaries, Summary{
			Keyword: fieldText(record.Fields[FieldKeyword]),
			Date:    fieldDate(record.Fields[FieldDate], c.location),
			Summary: fieldText(record.Fields[FieldSummary]),
			Update:  fieldText(record.Fields[FieldUpdate]),
		})
	}

	return summaries, nil
}

// NewsRecords searches the news table for records matching keyword whose date
// equals date.
func (c *Client) NewsRecords(ctx context.Context, date, keyword string) ([]Record, error) {
	records, err := c.searchAll(ctx, c.cfg.NewsTable, map[string]string{FieldKeyword: keyword})
	if err != nil {
		return nil, err
	}

	wantDate := NormalizeDate(date)
	matched := make([]Record, 0, len(records))

	for _, record := range records {
		if fieldDate(record.Fields[FieldDate], c.location) == wantDate {
			matched = append(matched, record)
		}
	}

	return matched, nil
}

// News returns the source articles for keyword on date.
func (c *Client) News(ctx context.Context, date, keyword string) ([]NewsLink, error) {
	records, err := c.NewsRecords(ctx, date, keyword)
	if err != nil {
		return nil, err
	}

	links := make([]NewsLink, 0, len(records))
	for _, record := range records {
		links = append(links, NewsLink{
			Title: fieldText(record.Fields[FieldTitle]),
			Link:  fieldLink(record.Fields[FieldLink]),
		})
	}

	return links, nil
}

// listAll pages through every record of table.
func (c *Client) listAll(ctx context.Context, table string) ([]Record, error) {
	if table == "" {
		return nil, ErrMissingTable
	}

	var (
		records   []Record
		pageToken string
	)

	for {
		waitErr := c.limiter.Wait(ctx)
		if waitErr != nil {
			return nil, fmt.Errorf("feishu rate limiter: %w", waitErr)
		}

		builder := larkbitable.NewListAppTableRecordReqBuilder().
			AppToken(c.cfg.AppToken).
			TableId(table).
			PageSize(c.cfg.PageSize)
		if pageToken != "" {
			builder = builder.PageToken(pageToken)
		}

		resp, err := c.lark.Bitable.V1.AppTableRecord.List(ctx, builder.Build())
		if err != nil {
			return nil, fmt.Errorf("failed to list records of table %s: %w", table, err)
		}

		if !resp.Success() {
			return nil, fmt.Errorf("%w: list table %s: code=%d msg=%s", ErrAPI, table, resp.Code, resp.Msg)
		}

		if resp.Data == nil {
			return records, nil
		}

		records = appendRecords(records, resp.Data.Items)

		if resp.Data.HasMore == nil || !*resp.Data.HasMore || resp.Data.PageToken == nil || *resp.Data.PageToken == "" {
			return records, nil
		}

		pageToken = *resp.Data.PageToken
	}
}

// searchAll pages through the records of table whose fields equal the given
// values.
func (c *Client) searchAll(ctx context.Context, table string, equals map[string]string) ([]Record, error) {
	if table == "" {
		return nil, ErrMissingTable
	}

	names := make([]string, 0, len(equals))
	for name := range equals {
		names = append(names, name)
	}

	sort.Strings(names)

	conditions := make([]*larkbitable.Condition, 0, len(names))
	for _, name := range names {
		conditions = append(conditions, larkbitable.NewConditionBuilder().
			FieldName(name).
			Operator(operatorIs).
			Value([]string{equals[name]}).
			Build())
	}

	filter := larkbitable.NewFilterInfoBuilder().
		Conjunction(conjunctionAnd).
		Conditions(conditions).
		Build()

	var (
		records   []Record
		pageToken string
	)

	for {
		waitErr := c.limiter.Wait(ctx)
		if waitErr != nil {
			return nil, fmt.Errorf("feishu rate limiter: %w", waitErr)
		}

		builder := larkbitable.NewSearchAppTableRecordReqBuilder().
			AppToken(c.cfg.AppToken).
			TableId(table).
			PageSize(c.cfg.PageSize).
			Body(larkbitable.NewSearchAppTableRecordReqBodyBuilder().
				Filter(filter).
				AutomaticFields(false).
				Build())
		if pageToken != "" {
			builder = builder.PageToken(pageToken)
		}

		resp, err := c.lark.Bitable.V1.AppTableRecord.Search(ctx, builder.Build())
		if err != nil {
			return nil, fmt.Errorf("failed to search records of table %s: %w", table, err)
		}

		if !resp.Success() {
			return nil, fmt.Errorf("%w: search table %s: code=%d msg=%s", ErrAPI, table, resp.Code, resp.Msg)
		}

		if resp.Data == nil {
			return records, nil
		}

		records = appendRecords(records, resp.Data.Items)

		if resp.Data.HasMore == nil || !*resp.Data.HasMore || resp.Data.PageToken == nil || *resp.Data.PageToken == "" {
			return records, nil
		}

		pageToken = *resp.Data.PageToken
	}
}

func appendRecords(records []Record, items []*larkbitable.AppTableRecord) []Record {
	for _, item := range items {
		if item == nil {
			continue
		}

		record := Record{Fields: item.Fields}
		if item.RecordId != nil {
			record.RecordID = *item.RecordId
		}

		if record.Fields == nil {
			record.Fields = map[string]any{}
		}

		records = append(records, record)
	}

	return records
}
