package planner

import "errors"

var (
	// ErrAPIKeyNotSet — не задан ключ API.
	ErrAPIKeyNotSet = errors.New("planner: OpenAI API key not set")

	// ErrInvalidResponse — ответ модели не является планом.
	ErrInvalidResponse = errors.New("planner: invalid response")

	// ErrEmptyProposal — модель не предложила ни одного шага.
	ErrEmptyProposal = errors.New("planner: proposal has no steps")
)
