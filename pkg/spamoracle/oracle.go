// Package spamoracle provides asynchronous spam classification backends for
// incoming caller IDs. Every Oracle delivers exactly one Verdict per query on
// the returned channel and then closes it.
package spamoracle

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type Verdict struct {
	IsSpam bool
	// Source names the backend that produced the verdict.
	Source string
	Err    error
}

type Oracle interface {
	CheckSpamNumber(ctx context.Context, number string) <-chan Verdict
}

// Func adapts a blocking check into an Oracle. The check runs on its own
// goroutine.
type Func func(ctx context.Context, number string) Verdict

func (f Func) CheckSpamNumber(ctx context.Context, number string) <-chan Verdict {
	ch := make(chan Verdict, 1)
	go func() {
		defer close(ch)
		ch <- f(ctx, number)
	}()
	return ch
}

// Never classifies every number as legitimate.
var Never Oracle = Func(func(context.Context, string) Verdict {
	return Verdict{Source: "none"}
})

// RiskLevel mirrors the levels published by the spam registry.
type RiskLevel string

const (
	LevelSafe     RiskLevel = "SAFE"
	LevelWarning  RiskLevel = "WARNING"
	LevelCritical RiskLevel = "CRITICAL"
)

func (l RiskLevel) rank() int {
	switch RiskLevel(strings.ToUpper(string(l))) {
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	default:
		return 0
	}
}

// AtLeast reports whether l is as severe as min. An unknown min never matches
// so a misconfiguration cannot block everything.
func (l RiskLevel) AtLeast(min RiskLevel) bool {
	if min.rank() == 0 {
		return false
	}
	return l.rank() >= min.rank()
}

// Any queries all oracles concurrently. The first spam verdict wins; if none
// reports spam, a single not-spam verdict is delivered once all have answered.
func Any(oracles ...Oracle) Oracle {
	switch len(oracles) {
	case 0:
		return Never
	case 1:
		return oracles[0]
	}
	return anyOracle(oracles)
}

type anyOracle []Oracle

func (a anyOracle) CheckSpamNumber(ctx context.Context, number string) <-chan Verdict {
	out := make(chan Verdict, 1)
	ctx, cancel := context.WithCancel(ctx)
	results := make(chan Verdict, len(a))
	var wg sync.WaitGroup
	for _, o := range a {
		wg.Add(1)
		go func(o Oracle) {
			defer wg.Done()
			v, ok := <-o.CheckSpamNumber(ctx, number)
			if !ok {
				v = Verdict{Err: fmt.Errorf("oracle closed without a verdict")}
			}
			results <- v
		}(o)
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	go func() {
		defer close(out)
		defer cancel()
		var errs []string
		for v := range results {
			if v.IsSpam {
				out <- v
				return
			}
			if v.Err != nil {
				errs = append(errs, v.Err.Error())
			}
		}
		final := Verdict{Source: "any"}
		if len(errs) == len(a) {
			final.Err = fmt.Errorf("all oracles failed: %s", strings.Join(errs, "; "))
		}
		out <- final
	}()
	return out
}
