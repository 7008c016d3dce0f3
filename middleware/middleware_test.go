package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/neuraldevelopment/dispatch/task"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTask(t *testing.T) *task.Task {
	t.Helper()
	return task.New("test.echo", task.ModePooled)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(ctx context.Context, tk *task.Task, next Handler) (*task.Outcome, error) {
			order = append(order, name+":before")
			out, err := next(ctx)
			order = append(order, name+":after")
			return out, err
		}
	}

	tk := testTask(t)
	chain := Chain(mw("a"), mw("b"), mw("c"))
	out, err := chain(context.Background(), tk, func(ctx context.Context) (*task.Outcome, error) {
		order = append(order, "handler")
		return task.Succeed(tk, nil), nil
	})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if !out.Success {
		t.Fatal("expected success outcome")
	}

	want := []string{"a:before", "b:before", "c:before", "handler", "c:after", "b:after", "a:after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestChainEmpty(t *testing.T) {
	tk := testTask(t)
	chain := Chain()
	out, err := chain(context.Background(), tk, func(ctx context.Context) (*task.Outcome, error) {
		return task.Succeed(tk, []byte("ok")), nil
	})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if string(out.Data) != "ok" {
		t.Fatalf("data = %q, want %q", out.Data, "ok")
	}
}

func TestRecoverConvertsPanic(t *testing.T) {
	tk := testTask(t)
	mw := Recover(discardLogger())
	out, err := mw(context.Background(), tk, func(ctx context.Context) (*task.Outcome, error) {
		panic("boom")
	})
	if out != nil {
		t.Fatalf("outcome = %+v, want nil", out)
	}
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want panic message", err)
	}
}

func TestRecoverPassesThrough(t *testing.T) {
	tk := testTask(t)
	mw := Recover(discardLogger())
	sentinel := errors.New("plain failure")
	_, err := mw(context.Background(), tk, func(ctx context.Context) (*task.Outcome, error) {
		return nil, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want %v", err, sentinel)
	}
}

func TestLoggingPassesThrough(t *testing.T) {
	tk := testTask(t)
	mw := Logging(discardLogger())

	out, err := mw(context.Background(), tk, func(ctx context.Context) (*task.Outcome, error) {
		return task.Fail(tk, task.KindBusiness, "not found"), nil
	})
	if err != nil {
		t.Fatalf("mw: %v", err)
	}
	if out.Success || out.ErrorKind != task.KindBusiness {
		t.Fatalf("outcome = %+v, want business failure", out)
	}
}

func TestMetricsRecordsStatus(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	mw := MetricsWithMeter(provider.Meter(meterName))
	tk := testTask(t)

	if _, err := mw(context.Background(), tk, func(ctx context.Context) (*task.Outcome, error) {
		return task.Succeed(tk, nil), nil
	}); err != nil {
		t.Fatalf("ok attempt: %v", err)
	}
	if _, err := mw(context.Background(), tk, func(ctx context.Context) (*task.Outcome, error) {
		return task.Fail(tk, task.KindBusiness, "declined"), nil
	}); err != nil {
		t.Fatalf("business attempt: %v", err)
	}
	if _, err := mw(context.Background(), tk, func(ctx context.Context) (*task.Outcome, error) {
		return nil, errors.New("fault")
	}); err == nil {
		t.Fatal("fault attempt: expected error")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "dispatch.task.executions" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("executions data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 3 {
		t.Fatalf("executions total = %d, want 3", total)
	}
}
