package bus

import (
	"context"
	"testing"
)

func TestNilBusIsInert(t *testing.T) {
	var b *Bus

	if b.Conn() != nil {
		t.Fatal("Conn() on a nil bus must return nil")
	}
	if err := b.Publish(context.Background(), SubjectJobCreated, nil); err == nil {
		t.Fatal("Publish on a nil bus must error")
	}
	_, err := b.Subscribe(context.Background(), SubjectJobFinished, "d", func(context.Context, []byte) error { return nil })
	if err == nil {
		t.Fatal("Subscribe on a nil bus must error")
	}
	b.Close()
}

func TestSubscribeRejectsNilHandler(t *testing.T) {
	b := &Bus{}
	if _, err := b.Subscribe(context.Background(), SubjectJobClaimed, "d", nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
}
