// Package validation validates and sanitises user input before it reaches the gateway.
package validation

import (
	"errors"
	"fmt"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/zrchat/zrchat-client/internal/model"
)

const (
	DefaultMaxMessageLength       = 5000
	DefaultMaxUploadBytes   int64 = 10 << 20

	maxNameLength     = 100
	maxFilenameLength = 100
)

// Error is a validation failure with a user-facing message.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return e.Field + ": " + e.Message
}

func invalid(field, msg string) error {
	return &Error{Field: field, Message: msg}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve *Error
	return errors.As(err, &ve)
}

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`(?i)<iframe[^>]*>`),
	regexp.MustCompile(`(?i)<object[^>]*>`),
	regexp.MustCompile(`(?i)<embed[^>]*>`),
}

var allowedTypes = map[model.MediaKind][]string{
	model.MediaImage: {"image/jpeg", "image/jpg", "image/png", "image/gif", "image/webp"},
	model.MediaAudio: {"audio/mpeg", "audio/wav", "audio/ogg", "audio/m4a", "audio/aac", "audio/webm"},
	model.MediaVideo: {"video/mp4", "video/webm", "video/ogg", "video/avi", "video/mov"},
}

var (
	namePattern     = regexp.MustCompile(`^[a-zA-ZÀ-ÿ0-9\s._-]+$`)
	whatsappPattern = regexp.MustCompile(`^(\+55\s?)?\(?[1-9]{2}\)?\s?9?[0-9]{4,5}-?[0-9]{4}$`)
	filenameUnsafe  = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
	underscoreRuns  = regexp.MustCompile(`_{2,}`)
)

// Limits bounds message and upload sizes.
type Limits struct {
	MaxMessageLength int
	MaxUploadBytes   int64
}

// Validator checks user input against configured limits.
type Validator struct {
	limits Limits
}

// New creates a validator. Zero limits take the defaults.
func New(limits Limits) *Validator {
	if limits.MaxMessageLength <= 0 {
		limits.MaxMessageLength = DefaultMaxMessageLength
	}
	if limits.MaxUploadBytes <= 0 {
		limits.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Validator{limits: limits}
}

// Limits returns the effective limits.
func (v *Validator) Limits() Limits {
	return v.limits
}

// Message validates outgoing message text.
func (v *Validator) Message(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return invalid("text", "Mensagem não pode estar vazia")
	}
	if !utf8.ValidString(trimmed) {
		return invalid("text", "Mensagem contém caracteres inválidos")
	}
	if utf8.RuneCountInString(trimmed) > v.limits.MaxMessageLength {
		return invalid("text", fmt.Sprintf("Mensagem muito longa (máximo %d caracteres)", v.limits.MaxMessageLength))
	}
	for _, p := range dangerousPatterns {
		if p.MatchString(trimmed) {
			return invalid("text", "Conteúdo não permitido na mensagem")
		}
	}
	return nil
}

var htmlEscaper = strings.NewReplacer(
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
	"/", "&#x2F;",
)

// Sanitize trims text and escapes HTML-significant characters.
func Sanitize(text string) string {
	return htmlEscaper.Replace(strings.TrimSpace(text))
}

// Media validates an upload of the given kind.
func (v *Validator) Media(kind model.MediaKind, contentType string, size int64) error {
	if size <= 0 {
		return invalid("file", "Nenhum arquivo selecionado")
	}
	if size > v.limits.MaxUploadBytes {
		return invalid("file", fmt.Sprintf("Arquivo muito grande (máximo %dMB)", v.limits.MaxUploadBytes>>20))
	}
	allowed, ok := allowedTypes[kind]
	if !ok {
		return invalid("kind", "Tipo de mídia desconhecido")
	}
	ct := NormalizeContentType(contentType)
	for _, a := range allowed {
		if ct == a {
			return nil
		}
	}
	return invalid("file", "Tipo de arquivo não permitido. Use apenas imagens, áudios ou vídeos.")
}

// NormalizeContentType lowercases a MIME type and drops its parameters.
func NormalizeContentType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// SanitizeFilename makes name safe for use in a storage key.
func SanitizeFilename(name string) string {
	if name == "" {
		return "arquivo_sem_nome"
	}
	s := filenameUnsafe.ReplaceAllString(name, "_")
	s = underscoreRuns.ReplaceAllString(s, "_")
	if len(s) > maxFilenameLength {
		s = s[:maxFilenameLength]
	}
	return s
}

// ProfileName validates a user's display name.
func ProfileName(name string) error {
	trimmed := strings.TrimSpace(name)
	n := utf8.RuneCountInString(trimmed)
	switch {
	case trimmed == "":
		return invalid("name", "Nome não pode estar vazio")
	case n < 2:
		return invalid("name", "Nome deve ter pelo menos 2 caracteres")
	case n > maxNameLength:
		return invalid("name", "Nome muito longo (máximo 100 caracteres)")
	case !namePattern.MatchString(trimmed):
		return invalid("name", "Nome contém caracteres não permitidos")
	}
	return nil
}

// WhatsApp validates an optional Brazilian WhatsApp number.
func WhatsApp(number string) error {
	trimmed := strings.TrimSpace(number)
	if trimmed == "" {
		return nil
	}
	if !whatsappPattern.MatchString(trimmed) {
		return invalid("whatsapp", "Formato de WhatsApp inválido (use: +55 (XX) 9XXXX-XXXX)")
	}
	return nil
}

// GroupName validates the name of a new group.
func GroupName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return invalid("name", "Nome do grupo é obrigatório")
	}
	if utf8.RuneCountInString(trimmed) > maxNameLength {
		return invalid("name", "Nome do grupo muito longo (máximo 100 caracteres)")
	}
	return nil
}

// ConversationID validates a conversation id: a uuid, a placeholder or the assistant.
func ConversationID(id string) error {
	if id == model.AssistantConversationID || model.IsPlaceholderID(id) {
		return nil
	}
	if _, err := uuid.Parse(id); err != nil {
		return invalid("conversation_id", "invalid conversation ID format")
	}
	return nil
}

// UserID validates a user id.
func UserID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return invalid("user_id", "invalid user ID format")
	}
	return nil
}
