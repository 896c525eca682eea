// Пакет notify — подсказки воркерам миграции о новых записях в очереди.
//
// Очередь — таблица file_records; уведомление лишь будит воркер раньше
// следующего опроса. Потерянное уведомление задерживает миграцию не более
// чем на интервал опроса.
package notify

import "context"

// Noop — уведомитель без транспорта: воркеры полагаются только на опрос.
type Noop struct{}

// NewNoop создаёт пустой уведомитель.
func NewNoop() *Noop { return &Noop{} }

// Publish ничего не делает.
func (Noop) Publish(_ context.Context, _ string) error { return nil }

// Subscribe возвращает канал, который закрывается при отмене ctx.
func (Noop) Subscribe(ctx context.Context) (<-chan string, error) {
	ch := make(chan string)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// Close ничего не делает.
func (Noop) Close() error { return nil }
