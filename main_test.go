package main

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rglonek/logger"

	"sip-call-interceptor/pkg/blockstore"
	"sip-call-interceptor/pkg/callinterceptor"
)

type noopCall struct{}

func (noopCall) EndCall(context.Context) error { return nil }

func BenchmarkBlockListDecision(b *testing.B) {
	store, err := blockstore.Open(filepath.Join(b.TempDir(), "blocklist.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer store.Close()
	entries := make(map[string]blockstore.Entry)
	for i := 0; i < 100000; i++ {
		entries[fmt.Sprintf("+447501%06d", i)] = blockstore.Entry{
			Source:  "./blacklist/blacklist-file-name-long.txt",
			Line:    i,
			Comment: fmt.Sprintf("some long-add comment explaining why this number is blacklisted-%d", i),
		}
	}
	if err := store.ReplaceImported(entries); err != nil {
		b.Fatal(err)
	}
	log := logger.NewLogger()
	log.SetLogLevel(logger.LogLevel(1))
	ic := callinterceptor.NewInterceptor(store, nil, log)
	ev := callinterceptor.CallEvent{State: callinterceptor.CallStateRinging, Number: "+447501000042"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ic.OnCallStateChanged(context.Background(), ev, noopCall{})
	}
}
