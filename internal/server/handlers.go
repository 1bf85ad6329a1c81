package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/book-expert/news-digest/internal/feishu"
	"github.com/book-expert/news-digest/internal/keywords"
	"github.com/book-expert/news-digest/internal/tts"
	"github.com/dustin/go-humanize"
)

// Request types accepted by the bitable proxy endpoint.
const (
	RequestKeywords     = "keywords"
	RequestSummaries    = "summaries"
	RequestOriginalNews = "original_news"
)

const (
	codeSuccess = 0
	msgSuccess  = "success"

	errInvalidRequestType = "Invalid request type"
	errInternal           = "Internal server error"
	errInvalidBody        = "Invalid request body"
	errDateRequired       = "date is required"
	errKeywordRequired    = "keyword is required"
	errTextRequired       = "Text is required"
	errVoiceNotAllowed    = "Voice is not allowed"
	errSpeechDisabled     = "Speech synthesis is not configured"
)

// FeishuRequest is the body of the bitable proxy endpoint.
type FeishuRequest struct {
	Type     string   `json:"type"`
	Date     string   `json:"date,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Keyword  string   `json:"keyword,omitempty"`
}

// RecordsResponse mirrors the open platform envelope around relayed records.
type RecordsResponse struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data RecordsData `json:"data"`
}

// RecordsData holds relayed records.
type RecordsData struct {
	Items []feishu.Record `json:"items"`
}

func (s *Server) handleFeishu(w http.ResponseWriter, r *http.Request) {
	var request FeishuRequest

	decodeErr := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&request)
	if decodeErr != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody, decodeErr.Error())

		return
	}

	var (
		records []feishu.Record
		err     error
	)

	switch request.Type {
	case RequestKeywords:
		records, err = s.digest.KeywordRecords(r.Context())
	case RequestSummaries:
		if request.Date == "" {
			writeError(w, http.StatusBadRequest, errDateRequired, "")

			return
		}

		records, err = s.digest.SummaryRecords(r.Context(), request.Date, request.Keywords)
	case RequestOriginalNews:
		if request.Date == "" || request.Keyword == "" {
			writeError(w, http.StatusBadRequest, errKeywordRequired, "date and keyword are required")

			return
		}

		records, err = s.digest.NewsRecords(r.Context(), request.Date, request.Keyword)
	default:
		writeError(w, http.StatusBadRequest, errInvalidRequestType, "")

		return
	}

	if err != nil {
		s.log.Error("Bitable %s request failed: %v", request.Type, err)
		writeError(w, http.StatusInternalServerError, errInternal, err.Error())

		return
	}

	if records == nil {
		records = []feishu.Record{}
	}

	writeJSON(w, http.StatusOK, RecordsResponse{
		Code: codeSuccess,
		Msg:  msgSuccess,
		Data: RecordsData{Items: records},
	})
}

func (s *Server) handleKeywords(w http.ResponseWriter, r *http.Request) {
	keywordList, err := s.digest.Keywords(r.Context())
	if err != nil {
		s.log.Error("Listing keywords failed: %v", err)
		writeError(w, http.StatusInternalServerError, errInternal, err.Error())

		return
	}

	if keywordList == nil {
		keywordList = []string{}
	}

	categories := keywords.Categorize(keywordList, s.cfg.Categories)
	if categories == nil {
		categories = []keywords.Category{}
	}

	writeJSON(w, http.StatusOK, tts.KeywordIndex{Keywords: keywordList, Categories: categories})
}

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	date := query.Get("date")
	if date == "" {
		writeError(w, http.StatusBadRequest, errDateRequired, "")

		return
	}

	summaries, err := s.digest.Summaries(r.Context(), date, query["keyword"])
	if err != nil {
		s.log.Error("Listing summaries for %s failed: %v", date, err)
		writeError(w, http.StatusInternalServerError, errInternal, err.Error())

		return
	}

	if summaries == nil {
		summaries = []feishu.Summary{}
	}

	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	date, keyword := query.Get("date"), query.Get("keyword")
	if date == "" || keyword == "" {
		writeError(w, http.StatusBadRequest, errKeywordRequired, "date and keyword are required")

		return
	}

	links, err := s.digest.News(r.Context(), date, keyword)
	if err != nil {
		s.log.Error("Listing news for %s %s failed: %v", date, keyword, err)
		writeError(w, http.StatusInternalServerError, errInternal, err.Error())

		return
	}

	if links == nil {
		links = []feishu.NewsLink{}
	}

	writeJSON(w, http.StatusOK, links)
}

// handleSpeech streams synthesized audio with chunked transfer encoding, flushing
// every chunk as it arrives. A failure after the first byte aborts the connection
// so that the client sees a truncated body rather than a complete one.
func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	if s.narrator == nil {
		writeError(w, http.StatusServiceUnavailable, errSpeechDisabled, "")

		return
	}

	var request tts.SpeechRequest

	decodeErr := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&request)
	if decodeErr != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody, decodeErr.Error())

		return
	}

	if strings.TrimSpace(request.Text) == "" {
		writeError(w, http.StatusBadRequest, errTextRequired, "")

		return
	}

	if request.Voice != "" && len(s.cfg.Voices) > 0 && !slices.Contains(s.cfg.Voices, request.Voice) {
		writeError(w, http.StatusBadRequest, errVoiceNotAllowed, request.Voice)

		return
	}

	ctx := r.Context()

	stream, err := s.narrator.Stream(ctx, request.Text, request.Voice)
	if err != nil {
		if errors.Is(err, tts.ErrTextEmpty) {
			writeError(w, http.StatusBadRequest, errTextRequired, err.Error())

			return
		}

		s.log.Error("Speech synthesis failed to start: %v", err)
		writeError(w, http.StatusInternalServerError, errInternal, err.Error())

		return
	}
	defer stream.Close()

	header := w.Header()
	header.Set("Content-Type", tts.AudioContentType(s.narrator.Format(), s.cfg.Spec))
	header.Set("Cache-Control", "no-cache")
	header.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	controller := http.NewResponseController(w)
	written := 0

	for {
		chunk, recvErr := stream.Recv(ctx)
		if errors.Is(recvErr, io.EOF) {
			s.log.Info("Streamed %s of speech", humanize.IBytes(uint64(written)))

			return
		}

		if recvErr != nil {
			s.log.Error("Speech stream failed after %s: %v", humanize.IBytes(uint64(written)), recvErr)

			panic(http.ErrAbortHandler)
		}

		_, writeErr := w.Write(chunk)
		if writeErr != nil {
			s.log.Warn("Speech client went away after %s: %v", humanize.IBytes(uint64(written)), writeErr)

			return
		}

		written += len(chunk)

		flushErr := controller.Flush()
		if flushErr != nil {
			s.log.Warn("Flushing speech chunk failed: %v", flushErr)

			return
		}
	}
}

func handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, tts.ErrorResponse{Error: message, Details: details})
}
