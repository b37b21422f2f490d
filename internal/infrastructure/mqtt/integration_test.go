//go:build integration

package mqtt

import (
	"sync"
	"testing"
	"time"
)

// These tests need a broker at 127.0.0.1:1883:
//
//	go test -tags=integration ./internal/infrastructure/mqtt/...

func TestIntegration_AttendanceRoundtrip(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "biogate-int-pub"
	pub, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pub.Close()

	cfg.Broker.ClientID = "biogate-int-sub"
	sub, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer sub.Close()

	received := make(chan string, 1)
	var once sync.Once
	err = sub.Subscribe(Topics{}.AllAttendance(), 1, func(topic string, _ []byte) error {
		once.Do(func() { received <- topic })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !sub.HasSubscription(Topics{}.AllAttendance()) {
		t.Fatal("subscription not tracked")
	}

	time.Sleep(100 * time.Millisecond)

	if err := pub.PublishJSON(Topics{}.Attendance("EB-1"), map[string]string{"user_id": "55"}); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	select {
	case topic := <-received:
		if topic != "biogate/attendance/EB-1" {
			t.Errorf("topic = %q", topic)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	if err := sub.Unsubscribe(Topics{}.AllAttendance()); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if sub.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d", sub.SubscriptionCount())
	}
}

func TestIntegration_ConnectRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19999
	if _, err := Connect(cfg); err == nil {
		t.Fatal("Connect() to closed port should fail")
	}
}
