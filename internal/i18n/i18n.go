// Package i18n holds the localized strings services show to users.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Message keys.
const (
	NoModelSelected     = "chat.no_model_selected"
	RequestFailed       = "chat.request_failed"
	HistoryFailed       = "chat.history_failed"
	SessionsLoadFailed  = "sessions.load_failed"
	KnowledgeLoadFailed = "knowledge.load_failed"
	FileStatusFailed    = "knowledge.file_status_failed"
	DocumentLoadFailed  = "pdf.load_failed"
)

var supported = []language.Tag{language.English, language.German}

var matcher = language.NewMatcher(supported)

func init() {
	en := map[string]string{
		NoModelSelected:     "Please select a chat model first.",
		RequestFailed:       "Something went wrong while talking to the assistant. Please try again.",
		HistoryFailed:       "Could not load the conversation history.",
		SessionsLoadFailed:  "Could not load your chat sessions.",
		KnowledgeLoadFailed: "Could not load your knowledge.",
		FileStatusFailed:    "Could not check the status of %s.",
		DocumentLoadFailed:  "Could not open the document.",
	}
	de := map[string]string{
		NoModelSelected:     "Bitte zuerst ein Chat-Modell auswählen.",
		RequestFailed:       "Bei der Kommunikation mit dem Assistenten ist ein Fehler aufgetreten. Bitte erneut versuchen.",
		HistoryFailed:       "Der Gesprächsverlauf konnte nicht geladen werden.",
		SessionsLoadFailed:  "Die Chat-Sitzungen konnten nicht geladen werden.",
		KnowledgeLoadFailed: "Das Wissen konnte nicht geladen werden.",
		FileStatusFailed:    "Der Status von %s konnte nicht abgefragt werden.",
		DocumentLoadFailed:  "Das Dokument konnte nicht geöffnet werden.",
	}
	for k, v := range en {
		_ = message.SetString(language.English, k, v)
	}
	for k, v := range de {
		_ = message.SetString(language.German, k, v)
	}
}

// Localizer renders message keys in one language.
type Localizer struct {
	printer *message.Printer
	tag     language.Tag
}

// New returns a Localizer for the closest supported match of lang (a BCP 47
// tag such as "de-AT"). Unknown or empty tags fall back to English.
func New(lang string) *Localizer {
	tag := language.English
	if lang != "" {
		if parsed, err := language.Parse(lang); err == nil {
			_, idx, _ := matcher.Match(parsed)
			tag = supported[idx]
		}
	}
	return &Localizer{printer: message.NewPrinter(tag), tag: tag}
}

// Default is the English localizer.
func Default() *Localizer { return New("") }

// T renders key with args.
func (l *Localizer) T(key string, args ...any) string {
	if l == nil {
		l = Default()
	}
	return l.printer.Sprintf(key, args...)
}

// Language returns the tag the localizer renders in.
func (l *Localizer) Language() language.Tag { return l.tag }
