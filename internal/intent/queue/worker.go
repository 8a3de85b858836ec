package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/intent"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/pkg/logger"
)

// Dispatcher 是 Worker 依赖的调度能力，由 intent.Dispatcher 实现。
type Dispatcher interface {
	Dispatch(ctx context.Context, call intent.Call) intent.Result
}

// Worker 从调用队列读取工具调用，交给调度器执行，并把结果写入结果队列。
type Worker struct {
	dispatcher  Dispatcher
	consumer    Consumer
	results     Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// WorkerOption 定义可选配置。
type WorkerOption func(*Worker)

// WithWorkerLogger 指定日志输出。
func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if log != nil {
			w.logger = log
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) WorkerOption {
	return func(w *Worker) {
		if workers > 0 {
			w.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) WorkerOption {
	return func(w *Worker) {
		w.alerter = dispatcher
	}
}

// NewWorker 构造 Worker。results 为 nil 时结果只写日志。
func NewWorker(dispatcher Dispatcher, consumer Consumer, results Producer, opts ...WorkerOption) *Worker {
	w := &Worker{
		dispatcher:  dispatcher,
		consumer:    consumer,
		results:     results,
		workerCount: 1,
		logger:      logger.Named("intent-queue"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Start 启动消费循环，直到 ctx 取消。
func (w *Worker) Start(ctx context.Context) error {
	if w.consumer == nil || w.dispatcher == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置意图队列消费者")
	}
	return w.consumer.Consume(ctx, w.workerCount, w.handle)
}

func (w *Worker) handle(ctx context.Context, body []byte) error {
	var call intent.Call
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&call); err != nil {
		result := intent.Result{
			Status: intent.StatusRejected,
			Code:   xerrors.CodeInvalidArgument,
			Detail: fmt.Sprintf("无法解析工具调用: %v", err),
		}
		if pubErr := w.publish(ctx, result); pubErr != nil {
			return pubErr
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无法解析工具调用")
	}

	result := w.dispatcher.Dispatch(ctx, call)
	if err := w.publish(ctx, result); err != nil {
		// 调用已经执行，结果丢失需要人工核对。
		w.logger.Error("publish result failed",
			slog.String("call_id", result.ID),
			slog.String("tool", result.Tool),
			slog.String("status", string(result.Status)),
			slog.Any("error", err))
		w.emitAlert(ctx, result, err)
		return err
	}
	return nil
}

func (w *Worker) publish(ctx context.Context, result intent.Result) error {
	if w.results == nil {
		w.logger.Info("tool call result",
			slog.String("call_id", result.ID),
			slog.String("status", string(result.Status)),
			slog.String("detail", result.Detail))
		return nil
	}
	body, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化结果失败")
	}
	// 调用方取消不应丢弃已执行调用的结果。
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return w.results.Publish(pubCtx, body)
}

func (w *Worker) emitAlert(ctx context.Context, result intent.Result, cause error) {
	if w.alerter == nil {
		return
	}
	event := alerting.FromError(cause, "", "", "")
	event.Metadata = map[string]string{
		"call_id": result.ID,
		"tool":    result.Tool,
		"status":  string(result.Status),
	}
	if event.Severity != xerrors.SeverityCritical && result.Status == intent.StatusApproved {
		event.Severity = xerrors.SeverityCritical
	}
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.alerter.Notify(alertCtx, event); err != nil {
		w.logger.Error("alert notify failed", slog.Any("error", err), slog.String("call_id", result.ID))
	}
}
