package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	temporalworker "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"example.com/community-ingest/internal/pipeline"
	"example.com/community-ingest/internal/ratelimit"
	"example.com/community-ingest/internal/store"
)

const (
	ingestTaskQueue = "ingest-task-queue"

	runWorkflowName     = "ingest.run"
	streamWorkflowName  = "ingest.stream"
	webhookWorkflowName = "ingest.webhook"

	generateStreamsActivityName = "ingest.generate-streams"
	processStreamActivityName   = "ingest.process-stream"
	processDataActivityName     = "ingest.process-data"
	setStatusActivityName       = "ingest.set-status"
	loadWebhookActivityName     = "ingest.load-webhook"
	finishWebhookActivityName   = "ingest.finish-webhook"
)

// maxRateLimitRequeues caps how often one stream may be put back to sleep
// before the run is considered stuck.
const maxRateLimitRequeues = 24

// maxStreamDepth bounds stream fan-out recursion.
const maxStreamDepth = 100

// nonRetryableErrorTypes lists the pipeline failures retrying cannot fix.
var nonRetryableErrorTypes = []string{
	pipeline.ErrTypeConfiguration,
	pipeline.ErrTypeUnknownStream,
	pipeline.ErrTypeUnknownData,
	pipeline.ErrTypeNoCredential,
	pipeline.ErrTypeUnknownPlatform,
}

// IngestActivities hosts the activity implementations bridging Temporal to
// the pipeline engine and the store.
type IngestActivities struct {
	engine *pipeline.Engine
	store  store.Store
	logger *slog.Logger
}

func NewIngestActivities(engine *pipeline.Engine, st store.Store, logger *slog.Logger) *IngestActivities {
	return &IngestActivities{engine: engine, store: st, logger: logger}
}

// GenerateStreamsActivity asks the adapter for the run's seed streams.
func (a *IngestActivities) GenerateStreamsActivity(ctx context.Context, input RunWorkflowInput) ([]pipeline.Stream, error) {
	integration, err := a.store.GetIntegration(ctx, input.IntegrationID)
	if err != nil {
		return nil, classifyError(err)
	}
	seeds, err := a.engine.GenerateStreams(ctx, integration, input.Onboarding)
	if err != nil {
		a.logger.Error("generate streams failed", "integration_id", input.IntegrationID, "error", err)
		return nil, classifyError(err)
	}
	return seeds, nil
}

// ProcessStreamActivity runs one stream invocation. A rate-limit signal is
// not a failure here: it comes back in the output so the workflow can sleep
// and re-run the identical stream.
func (a *IngestActivities) ProcessStreamActivity(ctx context.Context, input StreamWorkflowInput) (StreamActivityOutput, error) {
	integration, err := a.store.GetIntegration(ctx, input.IntegrationID)
	if err != nil {
		return StreamActivityOutput{}, classifyError(err)
	}

	var result pipeline.StreamResult
	if input.Webhook {
		result, err = a.engine.ProcessWebhookStream(ctx, integration, input.Stream)
	} else {
		result, err = a.engine.ProcessStream(ctx, integration, input.Stream, input.Onboarding)
	}
	if err != nil {
		var limited *ratelimit.Error
		if errors.As(err, &limited) {
			a.logger.Warn("stream rate limited",
				"integration_id", input.IntegrationID,
				"stream", input.Stream.Identifier,
				"retry_after", limited.RetryAfter)
			return StreamActivityOutput{RateLimited: true, RetryAfter: limited.RetryAfter}, nil
		}
		a.logger.Error("process stream failed",
			"integration_id", input.IntegrationID,
			"stream", input.Stream.Identifier,
			"error", err)
		return StreamActivityOutput{}, classifyError(err)
	}
	return StreamActivityOutput{Streams: result.Streams, Data: result.Data}, nil
}

// ProcessDataActivity normalizes one data item and sinks its activities.
func (a *IngestActivities) ProcessDataActivity(ctx context.Context, input DataActivityInput) (DataActivityOutput, error) {
	integration, err := a.store.GetIntegration(ctx, input.IntegrationID)
	if err != nil {
		return DataActivityOutput{}, classifyError(err)
	}
	activities, err := a.engine.ProcessData(ctx, integration, input.Item)
	if err != nil {
		a.logger.Error("process data failed",
			"integration_id", input.IntegrationID,
			"kind", input.Item.Kind,
			"error", err)
		return DataActivityOutput{}, classifyError(err)
	}

	var out DataActivityOutput
	for _, act := range activities {
		_, created, err := a.store.UpsertActivity(ctx, integration.TenantID, integration.SegmentID, act)
		if err != nil {
			return out, err
		}
		if created {
			out.Created++
		} else {
			out.Updated++
		}
	}
	return out, nil
}

// SetStatusActivity transitions the integration's lifecycle state.
func (a *IngestActivities) SetStatusActivity(ctx context.Context, input StatusActivityInput) error {
	return a.store.UpdateIntegrationStatus(ctx, input.IntegrationID, input.Status)
}

// LoadWebhookActivity reads back a stored webhook delivery.
func (a *IngestActivities) LoadWebhookActivity(ctx context.Context, input WebhookWorkflowInput) (store.WebhookDelivery, error) {
	delivery, err := a.store.GetWebhook(ctx, input.WebhookID)
	if err != nil {
		return store.WebhookDelivery{}, classifyError(err)
	}
	return delivery, nil
}

// FinishWebhookActivity records the outcome of a webhook delivery.
func (a *IngestActivities) FinishWebhookActivity(ctx context.Context, webhookID, errorMessage string) error {
	var processErr error
	if errorMessage != "" {
		processErr = errors.New(errorMessage)
	}
	return a.store.MarkWebhookDone(ctx, webhookID, processErr)
}

// classifyError marks pipeline failures that retrying cannot fix as
// non-retryable application errors, so the retry policy stops immediately.
func classifyError(err error) error {
	if name := pipeline.ErrorTypeName(err); name != "" {
		return temporal.NewNonRetryableApplicationError(err.Error(), name, err)
	}
	if errors.Is(err, store.ErrNotFound) {
		return temporal.NewNonRetryableApplicationError(err.Error(), "NotFound", err)
	}
	return err
}

func defaultActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:        5,
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        30 * time.Second,
			NonRetryableErrorTypes: nonRetryableErrorTypes,
		},
	}
}

// IngestRunWorkflow orchestrates one full run: generate seeds, fan every
// seed out into its own stream workflow, and settle the integration status.
func IngestRunWorkflow(ctx workflow.Context, input RunWorkflowInput) (RunWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	if input.IntegrationID == "" {
		return RunWorkflowResult{}, errors.New("integration_id required")
	}
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())

	result := RunWorkflowResult{StartedAt: workflow.Now(ctx)}
	logger.Info("ingest run started", "integration_id", input.IntegrationID, "onboarding", input.Onboarding, "reason", input.Reason)

	if err := workflow.ExecuteActivity(ctx, setStatusActivityName, StatusActivityInput{
		IntegrationID: input.IntegrationID,
		Status:        pipeline.IntegrationStatusInProgress,
	}).Get(ctx, nil); err != nil {
		return result, err
	}

	var seeds []pipeline.Stream
	if err := workflow.ExecuteActivity(ctx, generateStreamsActivityName, input).Get(ctx, &seeds); err != nil {
		settleStatus(ctx, input.IntegrationID, pipeline.IntegrationStatusError)
		return result, err
	}

	var futures []workflow.ChildWorkflowFuture
	for _, seed := range seeds {
		futures = append(futures, workflow.ExecuteChildWorkflow(ctx, streamWorkflowName, StreamWorkflowInput{
			IntegrationID: input.IntegrationID,
			Onboarding:    input.Onboarding,
			Stream:        seed,
		}))
	}

	var runErr error
	for _, future := range futures {
		var subtree StreamWorkflowResult
		if err := future.Get(ctx, &subtree); err != nil {
			logger.Error("stream subtree failed", "error", err)
			runErr = err
			continue
		}
		result.Streams += subtree.Streams
		result.Created += subtree.Created
		result.Updated += subtree.Updated
	}

	status := pipeline.IntegrationStatusDone
	if runErr != nil {
		status = pipeline.IntegrationStatusError
	}
	settleStatus(ctx, input.IntegrationID, status)

	result.CompletedAt = workflow.Now(ctx)
	logger.Info("ingest run finished",
		"integration_id", input.IntegrationID,
		"streams", result.Streams,
		"created", result.Created,
		"updated", result.Updated)
	return result, runErr
}

func settleStatus(ctx workflow.Context, integrationID string, status pipeline.IntegrationStatus) {
	if err := workflow.ExecuteActivity(ctx, setStatusActivityName, StatusActivityInput{
		IntegrationID: integrationID,
		Status:        status,
	}).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Error("settle integration status failed", "integration_id", integrationID, "error", err)
	}
}

// StreamWorkflow processes one stream and recurses into the children it
// emits. A rate-limited invocation sleeps for the signaled delay and re-runs
// the same stream; its payload carries all state, so nothing is lost.
func StreamWorkflow(ctx workflow.Context, input StreamWorkflowInput) (StreamWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())

	var result StreamWorkflowResult
	if input.Depth > maxStreamDepth {
		return result, fmt.Errorf("stream %s exceeds max depth %d", input.Stream.Identifier, maxStreamDepth)
	}

	var output StreamActivityOutput
	for requeues := 0; ; requeues++ {
		if err := workflow.ExecuteActivity(ctx, processStreamActivityName, input).Get(ctx, &output); err != nil {
			return result, err
		}
		if !output.RateLimited {
			break
		}
		if requeues >= maxRateLimitRequeues {
			return result, fmt.Errorf("stream %s still rate limited after %d requeues", input.Stream.Identifier, requeues)
		}
		logger.Info("stream requeued after rate limit", "stream", input.Stream.Identifier, "sleep", output.RetryAfter)
		if err := workflow.Sleep(ctx, output.RetryAfter); err != nil {
			return result, err
		}
	}
	result.Streams++

	for _, item := range output.Data {
		var sink DataActivityOutput
		if err := workflow.ExecuteActivity(ctx, processDataActivityName, DataActivityInput{
			IntegrationID: input.IntegrationID,
			Item:          item,
		}).Get(ctx, &sink); err != nil {
			return result, err
		}
		result.Created += sink.Created
		result.Updated += sink.Updated
	}

	var futures []workflow.ChildWorkflowFuture
	for _, child := range output.Streams {
		futures = append(futures, workflow.ExecuteChildWorkflow(ctx, streamWorkflowName, StreamWorkflowInput{
			IntegrationID: input.IntegrationID,
			Onboarding:    input.Onboarding,
			Stream:        child,
			Depth:         input.Depth + 1,
		}))
	}
	for _, future := range futures {
		var subtree StreamWorkflowResult
		if err := future.Get(ctx, &subtree); err != nil {
			return result, err
		}
		result.Streams += subtree.Streams
		result.Created += subtree.Created
		result.Updated += subtree.Updated
	}
	return result, nil
}

// WebhookWorkflow processes one stored webhook delivery: the raw payload
// becomes a webhook stream, its data items are normalized and sunk, and the
// delivery row records the outcome either way.
func WebhookWorkflow(ctx workflow.Context, input WebhookWorkflowInput) (WebhookWorkflowResult, error) {
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())

	var result WebhookWorkflowResult
	var delivery store.WebhookDelivery
	if err := workflow.ExecuteActivity(ctx, loadWebhookActivityName, input).Get(ctx, &delivery); err != nil {
		return result, err
	}

	stream := pipeline.Stream{
		Identifier: "webhook:" + delivery.ID,
		Payload:    delivery.Payload,
	}

	var subtree StreamWorkflowResult
	err := workflow.ExecuteChildWorkflow(ctx, streamWorkflowName, StreamWorkflowInput{
		IntegrationID: delivery.IntegrationID,
		Webhook:       true,
		Stream:        stream,
	}).Get(ctx, &subtree)
	result.Created = subtree.Created
	result.Updated = subtree.Updated

	message := ""
	if err != nil {
		message = err.Error()
	}
	if markErr := workflow.ExecuteActivity(ctx, finishWebhookActivityName, delivery.ID, message).Get(ctx, nil); markErr != nil {
		workflow.GetLogger(ctx).Error("mark webhook done failed", "webhook_id", delivery.ID, "error", markErr)
	}
	return result, err
}

// RegisterIngestWorker wires up the Temporal worker consuming the ingest
// task queue.
func RegisterIngestWorker(c client.Client, activities *IngestActivities) temporalworker.Worker {
	w := temporalworker.New(c, ingestTaskQueue, temporalworker.Options{})
	w.RegisterWorkflowWithOptions(IngestRunWorkflow, workflow.RegisterOptions{Name: runWorkflowName})
	w.RegisterWorkflowWithOptions(StreamWorkflow, workflow.RegisterOptions{Name: streamWorkflowName})
	w.RegisterWorkflowWithOptions(WebhookWorkflow, workflow.RegisterOptions{Name: webhookWorkflowName})
	w.RegisterActivityWithOptions(activities.GenerateStreamsActivity, activity.RegisterOptions{Name: generateStreamsActivityName})
	w.RegisterActivityWithOptions(activities.ProcessStreamActivity, activity.RegisterOptions{Name: processStreamActivityName})
	w.RegisterActivityWithOptions(activities.ProcessDataActivity, activity.RegisterOptions{Name: processDataActivityName})
	w.RegisterActivityWithOptions(activities.SetStatusActivity, activity.RegisterOptions{Name: setStatusActivityName})
	w.RegisterActivityWithOptions(activities.LoadWebhookActivity, activity.RegisterOptions{Name: loadWebhookActivityName})
	w.RegisterActivityWithOptions(activities.FinishWebhookActivity, activity.RegisterOptions{Name: finishWebhookActivityName})
	return w
}

// TemporalOrchestrator starts ingest workflows through the Temporal client so
// every run and webhook flows through the same pipeline.
type TemporalOrchestrator struct {
	client client.Client
	logger *slog.Logger
}

func NewTemporalOrchestrator(c client.Client, logger *slog.Logger) *TemporalOrchestrator {
	return &TemporalOrchestrator{client: c, logger: logger.With("component", "ingest.orchestrator")}
}

func (o *TemporalOrchestrator) RunIngest(ctx context.Context, input RunWorkflowInput) (RunWorkflowResult, error) {
	we, err := o.startRun(ctx, input)
	if err != nil {
		return RunWorkflowResult{}, err
	}
	var result RunWorkflowResult
	if err := we.Get(ctx, &result); err != nil {
		o.logger.Error("wait workflow failed", "workflow_id", we.GetID(), "error", err)
		result.WorkflowID = we.GetID()
		result.RunID = we.GetRunID()
		return result, err
	}
	result.WorkflowID = we.GetID()
	result.RunID = we.GetRunID()
	o.logger.Info("ingest workflow completed", "workflow_id", result.WorkflowID, "run_id", result.RunID, "integration_id", input.IntegrationID)
	return result, nil
}

func (o *TemporalOrchestrator) RunIngestAsync(ctx context.Context, input RunWorkflowInput) (string, error) {
	we, err := o.startRun(ctx, input)
	if err != nil {
		return "", err
	}
	o.logger.Info("ingest workflow dispatched", "workflow_id", we.GetID(), "run_id", we.GetRunID(), "integration_id", input.IntegrationID, "reason", input.Reason)
	return we.GetID(), nil
}

func (o *TemporalOrchestrator) startRun(ctx context.Context, input RunWorkflowInput) (client.WorkflowRun, error) {
	options := client.StartWorkflowOptions{
		ID:                       fmt.Sprintf("ingest-%s-%d", input.IntegrationID, time.Now().UnixNano()),
		TaskQueue:                ingestTaskQueue,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionTimeout: 12 * time.Hour,
	}
	we, err := o.client.ExecuteWorkflow(ctx, options, runWorkflowName, input)
	if err != nil {
		o.logger.Error("start ingest workflow failed", "integration_id", input.IntegrationID, "error", err)
		return nil, err
	}
	return we, nil
}

// RunWebhookAsync dispatches processing of one stored webhook delivery.
func (o *TemporalOrchestrator) RunWebhookAsync(ctx context.Context, webhookID string) (string, error) {
	options := client.StartWorkflowOptions{
		ID:                       fmt.Sprintf("webhook-%s", webhookID),
		TaskQueue:                ingestTaskQueue,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionTimeout: time.Hour,
	}
	we, err := o.client.ExecuteWorkflow(ctx, options, webhookWorkflowName, WebhookWorkflowInput{WebhookID: webhookID})
	if err != nil {
		o.logger.Error("start webhook workflow failed", "webhook_id", webhookID, "error", err)
		return "", err
	}
	o.logger.Info("webhook workflow dispatched", "workflow_id", we.GetID(), "webhook_id", webhookID)
	return we.GetID(), nil
}

// IngestTaskQueue exposes the queue name so callers can reference it in tests.
func IngestTaskQueue() string {
	return ingestTaskQueue
}
