package feishu_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/news-digest/internal/feishu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAppToken     = "bascnTestApp"
	testKeywordTable = "tblKeywords"
	testSummaryTable = "tblSummaries"
	testNewsTable    = "tblNews"
)

type fakeFeishu struct {
	server       *httptest.Server
	tokenCalls   atomic.Int32
	listCalls    atomic.Int32
	lastSearch   atomic.Value
	failWithCode int
}

func writeJSON(t *testing.T, w http.ResponseWriter, body any) {
	t.Helper()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	require.NoError(t, json.NewEncoder(w).Encode(body))
}

func record(id string, fields map[string]any) map[string]any {
	return map[string]any{"record_id": id, "fields": fields}
}

func shanghaiMillis(t *testing.T, year int, month time.Month, day int) int64 {
	t.Helper()

	location, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)

	return time.Date(year, month, day, 8, 30, 0, 0, location).UnixMilli()
}

func newFakeFeishu(t *testing.T) *fakeFeishu {
	t.Helper()

	fake := &fakeFeishu{}
	may1 := shanghaiMillis(t, 2024, time.May, 1)
	may2 := shanghaiMillis(t, 2024, time.May, 2)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /open-apis/auth/v3/tenant_access_token/internal", func(w http.ResponseWriter, _ *http.Request) {
		fake.tokenCalls.Add(1)
		writeJSON(t, w, map[string]any{"code": 0, "msg": "ok", "tenant_access_token": "t-test", "expire": 7200})
	})

	mux.HandleFunc("GET /open-apis/bitable/v1/apps/{app}/tables/{table}/records", func(w http.ResponseWriter, r *http.Request) {
		fake.listCalls.Add(1)

		if fake.failWithCode != 0 {
			writeJSON(t, w, map[string]any{"code": fake.failWithCode, "msg": "permission denied"})

			return
		}

		assert.Equal(t, testAppToken, r.PathValue("app"))
		assert.Equal(t, "Bearer t-test", r.Header.Get("Authorization"))

		var items []map[string]any

		hasMore := false
		nextToken := ""

		switch r.PathValue("table") {
		case testKeywordTable:
			if r.URL.Query().Get("page_token") == "" {
				items = []map[string]any{
					record("rec1", map[string]any{"keyword": "大模型"}),
					record("rec2", map[string]any{"keyword": "芯片"}),
				}
				hasMore = true
				nextToken = "page-2"
			} else {
				items = []map[string]any{
					record("rec3", map[string]any{"keyword": []any{map[string]any{"type": "text", "text": "机器人"}}}),
					record("rec4", map[string]any{"keyword": "大模型"}),
					record("rec5", map[string]any{"keyword": ""}),
				}
			}
		case testSummaryTable:
			items = []map[string]any{
				record("s1", map[string]any{"keyword": "大模型", "date": may1, "summary": "模型发布。", "update": "2024/05/01 09:00"}),
				record("s2", map[string]any{"keyword": "芯片", "date": "2024-05-01", "summary": "芯片新闻。"}),
				record("s3", map[string]any{"keyword": "机器人", "date": may1, "summary": "未选中"}),
				record("s4", map[string]any{"keyword": "大模型", "date": may2, "summary": "次日"}),
			}
		default:
			t.Errorf("unexpected table %s", r.PathValue("table"))
		}

		writeJSON(t, w, map[string]any{
			"code": 0,
			"msg":  "success",
			"data": map[string]any{"has_more": hasMore, "page_token": nextToken, "total": len(items), "items": items},
		})
	})

	mux.HandleFunc("POST /open-apis/bitable/v1/apps/{app}/tables/{table}/records/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testNewsTable, r.PathValue("table"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		fake.lastSearch.Store(string(body))

		writeJSON(t, w, map[string]any{
			"code": 0,
			"msg":  "success",
			"data": map[string]any{
				"has_more": false,
				"total":    2,
				"items": []map[string]any{
					record("n1", map[string]any{
						"title":   []any{map[string]any{"type": "text", "text": "新模型发布"}},
						"link":    map[string]any{"link": "https://example.com/a", "text": "原文"},
						"date":    may1,
						"keyword": "大模型",
					}),
					record("n2", map[string]any{"title": "旧闻", "link": "https://example.com/b", "date": may2, "keyword": "大模型"}),
				},
			},
		})
	})

	fake.server = httptest.NewServer(mux)
	t.Cleanup(fake.server.Close)

	return fake
}

func newTestClient(t *testing.T, fake *fakeFeishu) *feishu.Client {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "feishu-test.log")
	require.NoError(t, err)

	client, err := feishu.NewClient(feishu.Config{
		AppID:             "cli_test",
		AppSecret:         "secret",
		AppToken:          testAppToken,
		KeywordTable:      testKeywordTable,
		SummaryTable:      testSummaryTable,
		NewsTable:         testNewsTable,
		BaseURL:           fake.server.URL,
		Timezone:          "Asia/Shanghai",
		RequestsPerSecond: 1000,
		PageSize:          2,
	}, testLogger)
	require.NoError(t, err)

	return client
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := feishu.NewClient(feishu.Config{AppID: "", AppSecret: "x"}, nil)
	require.ErrorIs(t, err, feishu.ErrMissingCredentials)

	_, err = feishu.NewClient(feishu.Config{AppID: "a", AppSecret: "b", Timezone: "Mars/Olympus"}, nil)
	require.Error(t, err)
}

func TestClient_Keywords(t *testing.T) {
	t.Parallel()

	fake := newFakeFeishu(t)
	client := newTestClient(t, fake)

	keywords, err := client.Keywords(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"大模型", "芯片", "机器人"}, keywords)
	assert.IsIncreasing(t, keywords)
	assert.Equal(t, int32(2), fake.listCalls.Load(), "both pages are fetched")
}

func TestClient_Summaries(t *testing.T) {
	t.Parallel()

	fake := newFakeFeishu(t)
	client := newTestClient(t, fake)

	summaries, err := client.Summaries(context.Background(), "2024-05-01", []string{"大模型", "芯片"})
	require.NoError(t, err)

	require.Len(t, summaries, 2)
	assert.Equal(t, feishu.Summary{Keyword: "大模型", Date: "2024/05/01", Summary: "模型发布。", Update: "2024/05/01 09:00"}, summaries[0])
	assert.Equal(t, feishu.Summary{Keyword: "芯片", Date: "2024/05/01", Summary: "芯片新闻。", Update: ""}, summaries[1])

	none, err := client.Summaries(context.Background(), "2024/05/03", []string{"大模型"})
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := client.Summaries(context.Background(), "2024/05/01", nil)
	require.NoError(t, err)

	require.Len(t, all, 3, "no keywords selects every keyword of the day")
	assert.Equal(t, []string{"大模型", "芯片", "机器人"}, []string{all[0].Keyword, all[1].Keyword, all[2].Keyword})
}

func TestClient_News(t *testing.T) {
	t.Parallel()

	fake := newFakeFeishu(t)
	client := newTestClient(t, fake)

	links, err := client.News(context.Background(), "2024/05/01", "大模型")
	require.NoError(t, err)

	assert.Equal(t, []feishu.NewsLink{{Title: "新模型发布", Link: "https://example.com/a"}}, links)

	search, ok := fake.lastSearch.Load().(string)
	require.True(t, ok)
	assert.Contains(t, search, `"conjunction":"and"`)
	assert.Contains(t, search, `"field_name":"keyword"`)
	assert.Contains(t, search, "大模型")
}

func TestClient_APIError(t *testing.T) {
	t.Parallel()

	fake := newFakeFeishu(t)
	fake.failWithCode = 91403
	client := newTestClient(t, fake)

	_, err := client.Keywords(context.Background())
	require.ErrorIs(t, err, feishu.ErrAPI)
	assert.Contains(t, err.Error(), "91403")
}

func TestClient_MissingTable(t *testing.T) {
	t.Parallel()

	testLogger, err := logger.New(t.TempDir(), "feishu-test.log")
	require.NoError(t, err)

	client, err := feishu.NewClient(feishu.Config{AppID: "a", AppSecret: "b"}, testLogger)
	require.NoError(t, err)

	_, err = client.News(context.Background(), "2024/05/01", "x")
	require.ErrorIs(t, err, feishu.ErrMissingTable)
}

func TestNormalizeDate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "2024/05/01", feishu.NormalizeDate("2024-05-01"))
	assert.Equal(t, "2024/05/01", feishu.NormalizeDate(" 2024/05/01 "))
}
