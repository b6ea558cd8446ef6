package crudkit

import (
	"context"
	"fmt"
	"time"
)

// NestedAction is the action of one operation inside a nested batch.
type NestedAction string

const (
	NestedCreate NestedAction = "create"
	NestedUpdate NestedAction = "update"
)

// DefaultMaxBatchSize is the batch size limit used when the config does not
// set one.
const DefaultMaxBatchSize = 25

// NestedOperation is one create/update inside an atomic batch.
type NestedOperation struct {
	Resource string       `json:"resource"`
	Action   NestedAction `json:"action"`
	ID       string       `json:"id,omitempty"` // required for update
	Data     Row          `json:"data"`
}

// NestedResult mirrors one operation in the response, in input order. The
// entity is the full post-write representation: redaction is deliberately
// not applied here, because the caller that issued the batch is entitled to
// what it just wrote. Read-time calls redact as usual.
type NestedResult struct {
	Resource string       `json:"resource"`
	Action   NestedAction `json:"action"`
	ID       any          `json:"id"`
	Entity   Row          `json:"entity"`
}

// CoordinatorConfig bounds what a nested batch may contain.
type CoordinatorConfig struct {
	// MaxOperations caps the batch size. Zero means DefaultMaxBatchSize.
	MaxOperations int

	// AllowedResources, when non-empty, is the only set of slugs a batch
	// may touch.
	AllowedResources []string
}

// Coordinator validates, authorizes and atomically executes a batch of
// create/update operations spanning multiple resource types. A batch either
// applies completely or not at all; partial application is never
// observable.
type Coordinator struct {
	svc     *ResourceService
	config  CoordinatorConfig
	allowed map[string]bool
	monitor *batchMonitor
}

// NewCoordinator creates a Coordinator on top of a wired ResourceService.
func NewCoordinator(svc *ResourceService, config CoordinatorConfig) *Coordinator {
	if config.MaxOperations <= 0 {
		config.MaxOperations = DefaultMaxBatchSize
	}

	var allowed map[string]bool
	if len(config.AllowedResources) > 0 {
		allowed = make(map[string]bool, len(config.AllowedResources))
		for _, slug := range config.AllowedResources {
			allowed[slug] = true
		}
	}

	return &Coordinator{
		svc:     svc,
		config:  config,
		allowed: allowed,
		monitor: newBatchMonitor(),
	}
}

// Metrics returns batch execution statistics.
func (c *Coordinator) Metrics() BatchMetrics {
	return c.monitor.getMetrics()
}

// ResetMetrics resets batch execution statistics.
func (c *Coordinator) ResetMetrics() {
	c.monitor.reset()
}

// nestedOp is one operation after structural validation: descriptor
// resolved, and for updates the target row pre-loaded under scope.
type nestedOp struct {
	op     NestedOperation
	desc   *ResourceDescriptor
	data   Row // validated field set
	target Row // pre-loaded row for updates
}

// Execute runs a batch. Progression: structural validation of the whole
// batch, then per-operation validation, then per-operation authorization,
// then execution inside one transaction. A failure in any phase rejects
// the entire batch with nothing applied; the first two phases reject
// before any DataStore call is made.
func (c *Coordinator) Execute(ctx context.Context, operations []NestedOperation) ([]NestedResult, error) {
	ops, err := c.validateStructure(operations)
	if err != nil {
		return nil, err
	}

	if err := c.validateOperations(ctx, ops); err != nil {
		return nil, err
	}

	caller := c.svc.identity.CurrentCaller(ctx)
	tenant := c.svc.identity.CurrentTenant(ctx)

	if err := c.authorizeOperations(ctx, ops, caller, tenant); err != nil {
		return nil, err
	}

	start := time.Now()
	results, err := c.execute(ctx, ops, caller, tenant)
	c.monitor.recordBatch(time.Since(start), err == nil)

	return results, err
}

// validateStructure rejects the whole batch on any malformed item, with
// field-path-qualified messages, before any per-operation work begins.
func (c *Coordinator) validateStructure(operations []NestedOperation) ([]nestedOp, error) {
	if len(operations) == 0 {
		return nil, NewError(ErrStructural, "operations must be a non-empty list")
	}

	if len(operations) > c.config.MaxOperations {
		return nil, NewError(ErrStructural,
			fmt.Sprintf("batch of %d operations exceeds the maximum of %d", len(operations), c.config.MaxOperations))
	}

	fieldErrors := make(map[string]string)
	ops := make([]nestedOp, 0, len(operations))

	for i, op := range operations {
		path := func(field string) string { return fmt.Sprintf("operations[%d].%s", i, field) }

		switch op.Action {
		case NestedCreate, NestedUpdate:
		default:
			fieldErrors[path("action")] = "action must be create or update"
		}

		if op.Action == NestedUpdate && op.ID == "" {
			fieldErrors[path("id")] = "update requires a target id"
		}

		if op.Data == nil {
			fieldErrors[path("data")] = "data payload is required"
		}

		if op.Resource == "" {
			fieldErrors[path("resource")] = "resource slug is required"
			continue
		}

		if c.allowed != nil && !c.allowed[op.Resource] {
			fieldErrors[path("resource")] = "resource is not permitted in nested batches"
			continue
		}

		desc, err := c.svc.registry.Resolve(op.Resource)
		if err != nil {
			fieldErrors[path("resource")] = "unknown resource"
			continue
		}

		ops = append(ops, nestedOp{op: op, desc: desc})
	}

	if len(fieldErrors) > 0 {
		return nil, NewError(ErrStructural, "batch rejected").WithFields(fieldErrors)
	}

	return ops, nil
}

// validateOperations runs the Validator over every operation and collects
// all failures together; the batch fails atomically with no partial
// validation commit.
func (c *Coordinator) validateOperations(ctx context.Context, ops []nestedOp) error {
	fieldErrors := make(map[string]string)

	for i := range ops {
		action := ActionStore
		if ops[i].op.Action == NestedUpdate {
			action = ActionUpdate
		}

		data, errs := c.svc.validator.Validate(ctx, ops[i].desc, action, ops[i].op.Data)
		for field, message := range errs {
			fieldErrors[fmt.Sprintf("operations[%d].data.%s", i, field)] = message
		}
		ops[i].data = data
	}

	if len(fieldErrors) > 0 {
		return NewError(ErrValidation, "batch rejected").WithFields(fieldErrors)
	}

	return nil
}

// authorizeOperations gates every operation. Updates load their target row
// under the tenant scope first; a missing or out-of-scope target aborts the
// batch as not-found for that operation.
func (c *Coordinator) authorizeOperations(ctx context.Context, ops []nestedOp, caller, tenant string) error {
	for i := range ops {
		slug := ops[i].desc.Slug()

		switch ops[i].op.Action {
		case NestedCreate:
			if !c.svc.evaluator.Authorize(ctx, caller, tenant, slug, ActionStore) {
				return NewError(ErrUnauthorized, fmt.Sprintf("operations[%d]: create denied", i)).
					WithResource(slug).
					WithTenant(tenant).
					WithCaller(caller)
			}

		case NestedUpdate:
			target, err := c.svc.loadScoped(ctx, c.svc.store, ops[i].desc, tenant, ops[i].op.ID, trashedHidden)
			if err != nil {
				if IsNotFound(err) {
					return NewError(ErrNotFound, fmt.Sprintf("operations[%d]: target not found", i)).
						WithResource(slug)
				}
				return err
			}
			ops[i].target = target

			if !c.svc.evaluator.Authorize(ctx, caller, tenant, slug, ActionUpdate) {
				return NewError(ErrUnauthorized, fmt.Sprintf("operations[%d]: update denied", i)).
					WithResource(slug).
					WithTenant(tenant).
					WithCaller(caller)
			}
		}
	}

	return nil
}

// execute applies every operation inside one transaction. Any runtime
// failure rolls the whole batch back and surfaces as a single batch-level
// error. No operation-level retry is attempted.
func (c *Coordinator) execute(ctx context.Context, ops []nestedOp, caller, tenant string) ([]NestedResult, error) {
	results := make([]NestedResult, 0, len(ops))

	err := c.svc.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		for i := range ops {
			var (
				row    Row
				action string
				before Row
				err    error
			)

			switch ops[i].op.Action {
			case NestedCreate:
				action = ActionStore
				data := c.svc.scopes.StampTenant(ops[i].data, ops[i].desc.EntityType(), tenant)
				row, err = tx.Insert(ctx, ops[i].desc.EntityType(), data)

			case NestedUpdate:
				action = ActionUpdate
				before = ops[i].target
				row, err = tx.Update(ctx, ops[i].desc.EntityType(), ops[i].target, ops[i].data)
			}

			if err != nil {
				return NewError(ErrTransactionFailure, fmt.Sprintf("operations[%d]: %v", i, err)).
					WithResource(ops[i].desc.Slug())
			}

			c.svc.recordAudit(ctx, ops[i].desc.EntityType(), action, before, row, caller, tenant)

			results = append(results, NestedResult{
				Resource: ops[i].desc.Slug(),
				Action:   ops[i].op.Action,
				ID:       row[ops[i].desc.PrimaryKeyColumn()],
				Entity:   row,
			})
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return results, nil
}
