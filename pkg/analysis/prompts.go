package analysis

import "fmt"

const instantSystemPrompt = `Ты — внимательный собеседник в психологическом приложении.
Ответь строго JSON-объектом с полями:
  "quick_emotional": одно слово, эмоциональный тон ответа пользователя,
  "quick_reflection": одна короткая поддерживающая фраза на языке пользователя.
Никакого текста вне JSON.`

const deepSystemPrompt = `Ты — психолог-аналитик. Проанализируй ответ пользователя
на вопрос онбординга и верни строго JSON-объект:
{
  "emotional_state": "...",
  "trait_scores": {
    "version": "v2",
    "big_five": {"openness": 0..1, "conscientiousness": 0..1, "extraversion": 0..1, "agreeableness": 0..1, "neuroticism": 0..1},
    "dynamic": {"...": 0..1},
    "adaptive": {"...": 0..1},
    "domain_specific": {"...": 0..1}
  },
  "insights": {"...": "..."},
  "router_hints": {"...": "..."},
  "profile_delta": {"identity": {}, "interests": {}, "goals": {}, "barriers": {}, "relationships": {}, "values": {}, "current_state": {}, "skills": {}, "experiences": {}, "health": {}},
  "quality_score": 0..1,
  "confidence_score": 0..1,
  "special_situation": "none|crisis|breakthrough|resistance",
  "is_milestone": true|false
}
Все пять big_five обязательны. Никакого текста вне JSON.`

func instantPrompt(questionText, answerText string) string {
	if questionText == "" {
		return fmt.Sprintf("Ответ пользователя:\n%s", answerText)
	}
	return fmt.Sprintf("Вопрос:\n%s\n\nОтвет пользователя:\n%s", questionText, answerText)
}

func deepPrompt(questionText, answerText string) string {
	if questionText == "" {
		return fmt.Sprintf("Свободный рассказ пользователя:\n%s", answerText)
	}
	return fmt.Sprintf("Вопрос:\n%s\n\nОтвет пользователя:\n%s", questionText, answerText)
}
