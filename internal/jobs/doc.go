// Package jobs — пользовательская сторона жизненного цикла job.
//
// Service создаёт job с загруженными датасетами, запрашивает черновик
// плана у планировщика, замораживает план и ставит job в очередь.
// Все изменения идут циклом load → transition → save; конфликт версий
// возвращается вызывающему, который перечитывает job.
package jobs
