package assistant

import (
	"encoding/json"
	"strings"
)

const (
	// ProcessingMessage is the reply used when the backend answers with an empty body.
	ProcessingMessage = "Mensagem recebida! Estou processando sua solicitação."

	// FailureMessage is appended as the assistant's reply once every attempt failed.
	FailureMessage = "Desculpe, não consegui processar sua mensagem agora. Tente novamente em instantes."
)

// replyFields are the object fields searched for the reply, in priority order.
var replyFields = []string{"output", "content", "response", "message", "result", "text"}

type extractor struct {
	name string
	fn   func(body string) (string, bool)
}

// extractors are tried in order; the first non-empty result wins.
var extractors = []extractor{
	{name: "array", fn: fromArray},
	{name: "object", fn: fromObject},
	{name: "string", fn: fromString},
	{name: "raw", fn: fromRaw},
}

// ExtractReply derives the reply text from a webhook response body.
func ExtractReply(body []byte) string {
	reply, _ := Extract(body)
	return reply
}

// Extract returns the reply text and the name of the extractor that produced it.
func Extract(body []byte) (string, string) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return ProcessingMessage, "empty"
	}
	for _, e := range extractors {
		if s, ok := e.fn(text); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s), e.name
		}
	}
	return ProcessingMessage, "empty"
}

func fromArray(body string) (string, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(body), &items); err != nil || len(items) == 0 {
		return "", false
	}
	first := string(items[0])
	if s, ok := fromString(first); ok {
		return s, true
	}
	return fromObject(first)
}

func fromObject(body string) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &obj); err != nil || obj == nil {
		return "", false
	}
	for _, field := range replyFields {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		if s, ok := fromString(string(raw)); ok && strings.TrimSpace(s) != "" {
			return s, true
		}
	}
	return "", false
}

func fromString(body string) (string, bool) {
	var s string
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		return "", false
	}
	return s, true
}

func fromRaw(body string) (string, bool) {
	return body, true
}
