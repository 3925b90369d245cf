package coach

import "regexp"

// CorrectionKind classifies how a user pushed back on coach context.
type CorrectionKind string

// Correction kinds.
const (
	CorrectionFactWrong CorrectionKind = "FACT_WRONG"
	CorrectionOutdated  CorrectionKind = "OUTDATED"
	CorrectionPartial   CorrectionKind = "PARTIAL"
)

// Marker sets are compiled once. Order matters: a direct denial beats the
// softer kinds when several match.
var correctionPatterns = []struct {
	kind CorrectionKind
	re   *regexp.Regexp
}{
	{CorrectionFactWrong, regexp.MustCompile(`(?i)(это не так|это неправда|неверно|ты ошибаешься|я такого не говорил|я такого не говорила|на самом деле|^\s*нет[,.!\s]|actually no|that's wrong|not true|i never said)`)},
	{CorrectionOutdated, regexp.MustCompile(`(?i)(это было раньше|уже не актуально|уже нет|больше не|это в прошлом|that was before|no longer|not anymore)`)},
	{CorrectionPartial, regexp.MustCompile(`(?i)(не совсем|не точно|отчасти|частично|скорее|not quite|sort of|partially)`)},
}

// responsePrefixes are prepended to the coach reply after a correction.
var responsePrefixes = map[CorrectionKind]string{
	CorrectionFactWrong: "Спасибо, что поправил! Я запомню, как есть на самом деле. ",
	CorrectionOutdated:  "Понял, это уже изменилось. Буду опираться на актуальное. ",
	CorrectionPartial:   "Хорошо, уточним. ",
}

// DetectCorrection matches a user message against the compiled marker sets.
func DetectCorrection(message string) (CorrectionKind, bool) {
	for _, p := range correctionPatterns {
		if p.re.MatchString(message) {
			return p.kind, true
		}
	}
	return "", false
}

// ResponsePrefix returns the canned prefix for a correction kind.
func ResponsePrefix(kind CorrectionKind) string {
	return responsePrefixes[kind]
}
