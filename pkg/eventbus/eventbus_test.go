package eventbus

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/opsforge/changeflow/pkg/logging"
)

type testEvent struct {
	topic string
	data  string
}

func (e testEvent) Topic() string { return e.topic }

func TestPublisher_DispatchesByTopic(t *testing.T) {
	publisher := NewEventPublisher(logging.ConsoleLogger(logrus.WarnLevel))

	var got []string
	publisher.Subscribe("a", func(e Event) {
		got = append(got, "a:"+e.(testEvent).data)
	})
	publisher.Subscribe("b", func(e Event) {
		got = append(got, "b:"+e.(testEvent).data)
	})

	publisher.Publish(testEvent{topic: "a", data: "one"}, testEvent{topic: "b", data: "two"})

	if len(got) != 2 || got[0] != "a:one" || got[1] != "b:two" {
		t.Errorf("expected [a:one b:two], got: %v", got)
	}
}

func TestPublisher_MultipleSubscribersPerTopic(t *testing.T) {
	publisher := NewEventPublisher(nil)

	calls := 0
	publisher.Subscribe("a", func(e Event) { calls++ })
	publisher.Subscribe("a", func(e Event) { calls++ })

	publisher.Publish(testEvent{topic: "a"})

	if calls != 2 {
		t.Errorf("expected both subscribers called, got: %d", calls)
	}
	if publisher.SubscribersCount("a") != 2 {
		t.Errorf("expected 2 subscribers, got: %d", publisher.SubscribersCount("a"))
	}
}

func TestPublisher_WarnsWithoutSubscribers(t *testing.T) {
	logBuffer := bytes.Buffer{}
	log := logrus.New()
	log.SetOutput(&logBuffer)
	log.SetLevel(logrus.WarnLevel)

	publisher := NewEventPublisher(log)
	publisher.Subscribe("other", func(e Event) {
		t.Error("should not be called")
	})
	publisher.Publish(testEvent{topic: "a"})

	if output := logBuffer.String(); !strings.Contains(output, "no subscribers for topic a") {
		t.Errorf("should have warned about missing subscribers, got: %q", output)
	}
}

func TestPublisher_PanicRecovery(t *testing.T) {
	logBuffer := bytes.Buffer{}
	log := logrus.New()
	log.SetOutput(&logBuffer)
	log.SetLevel(logrus.ErrorLevel)

	publisher := NewEventPublisher(log)

	called := false
	publisher.Subscribe("a", func(e Event) {
		panic("intentional panic for testing")
	})
	publisher.Subscribe("a", func(e Event) {
		called = true
	})

	publisher.Publish(testEvent{topic: "a"})

	if !called {
		t.Error("later handler should still run after an earlier panic")
	}
	output := logBuffer.String()
	if !strings.Contains(output, "panicked") {
		t.Errorf("log should contain 'panicked', got: %q", output)
	}
	if !strings.Contains(output, "intentional panic for testing") {
		t.Errorf("log should contain panic message, got: %q", output)
	}
}
