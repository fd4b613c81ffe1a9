// Package planner предлагает черновик плана по требованию пользователя.
//
// Planner — чёрный ящик для остальной системы: его результат всегда
// проходит валидацию при заморозке плана. Production-реализация
// обращается к OpenAI Chat Completions, Static используется в тестах
// и для заранее подготовленных планов.
package planner
