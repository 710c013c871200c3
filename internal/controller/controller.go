package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/reverb-engine/reverb/internal/activity"
	"github.com/reverb-engine/reverb/internal/attributive"
	"github.com/reverb-engine/reverb/internal/computed"
	"github.com/reverb-engine/reverb/internal/match"
	"github.com/reverb-engine/reverb/internal/schema"
	"github.com/reverb-engine/reverb/internal/storage"
)

// CallResult is the outcome of one interaction call. Exactly one of Error
// or Event is set; Effects lists the derived writes the call produced, and
// Data carries the rows of a get-action call.
type CallResult struct {
	Error   *CallError
	Event   *schema.InteractionEvent
	Effects []any
	Data    []schema.Record
}

// Controller runs interaction calls against one database.
type Controller struct {
	reg      *schema.Registry
	store    *storage.Store
	computed *computed.Registry
	attrs    *attributive.Evaluator
	flows    *activity.Interpreter
	newID    func() string
}

type config struct {
	idFunc func() string
}

// Option configures a Controller.
type Option func(*config)

// WithIDFunc replaces every id generator (records, events, instances), for
// deterministic tests.
func WithIDFunc(fn func() string) Option {
	return func(c *config) { c.idFunc = fn }
}

// New wires the engine over one database file. The registry must not be
// linked yet: computed-data schema setup adds its tracking columns first,
// then New links, compiles activities and opens storage.
func New(dbPath string, reg *schema.Registry, opts ...Option) (*Controller, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	creg := computed.NewRegistry(reg)
	if err := creg.AddFromSchema(); err != nil {
		return nil, err
	}
	if err := creg.SetupSchema(); err != nil {
		return nil, err
	}
	if err := reg.Link(); err != nil {
		return nil, err
	}

	var actOpts []activity.Option
	var storeOpts []storage.Option
	if cfg.idFunc != nil {
		actOpts = append(actOpts, activity.WithIDFunc(cfg.idFunc))
		storeOpts = append(storeOpts, storage.WithIDFunc(cfg.idFunc))
	}
	flows, err := activity.New(reg, actOpts...)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(dbPath, reg, storeOpts...)
	if err != nil {
		return nil, err
	}
	store.Listen(creg.MutationListener())

	c := &Controller{
		reg:      reg,
		store:    store,
		computed: creg,
		attrs:    attributive.New(reg),
		flows:    flows,
		newID:    func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	if cfg.idFunc != nil {
		c.newID = cfg.idFunc
	}
	return c, nil
}

// Setup creates tables and backfills computed data. Call once after New and
// after any extra Listen registrations.
func (c *Controller) Setup(ctx context.Context) error {
	if err := c.store.CreateTables(ctx); err != nil {
		return err
	}
	tx, err := c.store.Begin(ctx, "setup-initial-value")
	if err != nil {
		return err
	}
	if err := c.computed.SetupInitialValue(ctx, tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit(ctx)
}

// Listen registers an extra mutation listener. Setup-time only.
func (c *Controller) Listen(l storage.Listener) { c.store.Listen(l) }

// Store exposes the underlying store for reads and inspection.
func (c *Controller) Store() *storage.Store { return c.store }

// Interpreter exposes the compiled activity graphs.
func (c *Controller) Interpreter() *activity.Interpreter { return c.flows }

// Close releases the database.
func (c *Controller) Close() error { return c.store.Close() }

// CallInteraction runs one standalone interaction call.
func (c *Controller) CallInteraction(ctx context.Context, name string, args *schema.InteractionArgs) *CallResult {
	if args == nil {
		args = &schema.InteractionArgs{}
	}
	i := c.reg.Interaction(name)
	if i == nil {
		return &CallResult{Error: &CallError{Code: CodePayloadInvalid, Interaction: name, Message: "unknown interaction"}}
	}
	slog.Debug("interaction call", "interaction", name)

	tx, err := c.store.Begin(ctx, "call-"+name+"-"+c.newID())
	if err != nil {
		return &CallResult{Error: storeFailure(name, err)}
	}
	res := c.pipeline(ctx, tx, i, args, "", nil)
	if res.Error != nil {
		tx.Rollback()
		return res
	}
	if err := tx.Commit(ctx); err != nil {
		tx.Rollback()
		return &CallResult{Error: storeFailure(name, err)}
	}
	return res
}

// CreateActivity allocates a workflow instance positioned at the activity's
// head node.
func (c *Controller) CreateActivity(ctx context.Context, activityName string) (string, activity.InstanceState, error) {
	tx, err := c.store.Begin(ctx, "create-activity-"+c.newID())
	if err != nil {
		return "", activity.InstanceState{}, err
	}
	id, st, err := c.flows.CreateInstance(ctx, tx, activityName)
	if err != nil {
		tx.Rollback()
		return "", activity.InstanceState{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		tx.Rollback()
		return "", activity.InstanceState{}, err
	}
	slog.Debug("activity instance created", "activity", activityName, "instance", id)
	return id, st, nil
}

// ActivityState reads an instance's persisted position.
func (c *Controller) ActivityState(ctx context.Context, instanceID string) (activity.InstanceState, error) {
	return c.flows.Instance(ctx, c.store, instanceID)
}

// CallActivityInteraction runs one workflow step: the node must be reachable
// from the instance's position, the interaction's reference attributives are
// checked against the instance's role bindings, and on success the instance
// advances past the node in the same transaction.
func (c *Controller) CallActivityInteraction(ctx context.Context, activityName, nodeUUID, instanceID string, args *schema.InteractionArgs) *CallResult {
	if args == nil {
		args = &schema.InteractionArgs{}
	}
	slog.Debug("activity interaction call",
		"activity", activityName,
		"node", nodeUUID,
		"instance", instanceID,
	)

	tx, err := c.store.Begin(ctx, "activity-call-"+c.newID())
	if err != nil {
		return &CallResult{Error: storeFailure("", err)}
	}
	fail := func(ce *CallError) *CallResult {
		tx.Rollback()
		return &CallResult{Error: ce}
	}

	st, err := c.flows.Instance(ctx, tx, instanceID)
	if err != nil {
		return fail(&CallError{Code: CodeOrderViolation, Message: err.Error(), cause: err})
	}
	if st.Activity != activityName {
		return fail(&CallError{Code: CodeOrderViolation,
			Message: fmt.Sprintf("instance %s belongs to activity %q, not %q", instanceID, st.Activity, activityName)})
	}
	node, err := c.flows.CheckOrder(instanceID, st, nodeUUID)
	if err != nil {
		if activity.IsOrderViolation(err) {
			return fail(&CallError{Code: CodeOrderViolation, Message: err.Error(), cause: err})
		}
		return fail(storeFailure("", err))
	}

	i := c.reg.Interaction(node.Interaction)
	res := c.pipeline(ctx, tx, i, args, instanceID, c.flows.Roles(tx, instanceID))
	if res.Error != nil {
		tx.Rollback()
		return res
	}
	if err := c.flows.BindRoles(ctx, tx, instanceID, i, args); err != nil {
		return fail(storeFailure(i.Name, err))
	}
	if _, err := c.flows.Advance(ctx, tx, instanceID, st, nodeUUID); err != nil {
		return fail(storeFailure(i.Name, err))
	}
	if err := tx.Commit(ctx); err != nil {
		tx.Rollback()
		return &CallResult{Error: storeFailure(i.Name, err)}
	}
	return res
}

// pipeline runs the call steps inside an open transaction: conditions, user
// permission, payload validation, event append, computed dispatch, and the
// get-action read. It never commits; a non-nil result error tells the caller
// to roll back.
func (c *Controller) pipeline(ctx context.Context, tx *storage.Tx, i *schema.Interaction, args *schema.InteractionArgs, activityID string, refs attributive.RefResolver) *CallResult {
	for _, cond := range i.Conditions {
		fn, err := c.reg.Handlers().Condition(cond.HandlerID)
		if err != nil {
			return &CallResult{Error: storeFailure(i.Name, err)}
		}
		v, err := fn(ctx, args)
		if err != nil {
			return &CallResult{Error: &CallError{Code: CodeConditionFailed, Interaction: i.Name,
				Message: fmt.Sprintf("condition %q: %v", cond.Name, err), cause: err}}
		}
		// Undecided fails here: a business rule that cannot be decided
		// must not let the call through.
		if v != match.True {
			return &CallResult{Error: &CallError{Code: CodeConditionFailed, Interaction: i.Name,
				Message: fmt.Sprintf("condition %q failed", cond.Name)}}
		}
	}

	in := schema.AttrInput{User: args.User, Args: args}
	if err := c.attrs.Check(ctx, i.Name, i.UserAttributives, in, refs); err != nil {
		return &CallResult{Error: asCallError(i.Name, err)}
	}

	if ce := c.validatePayload(ctx, i, args, refs); ce != nil {
		return &CallResult{Error: ce}
	}

	ev, err := tx.AppendEvent(ctx, i.Name, activityID, *args)
	if err != nil {
		return &CallResult{Error: storeFailure(i.Name, err)}
	}
	if err := c.computed.DispatchInteraction(ctx, tx, ev); err != nil {
		return &CallResult{Error: &CallError{Code: CodeEffectFailed, Interaction: i.Name, Message: err.Error(), cause: err}}
	}
	if err := tx.Dispatch(ctx); err != nil {
		return &CallResult{Error: &CallError{Code: CodeEffectFailed, Interaction: i.Name, Message: err.Error(), cause: err}}
	}

	res := &CallResult{Event: &ev}
	if i.Action == schema.ActionGet {
		var expr *match.Expr
		var mod *storage.Modifier
		if args.Query != nil {
			expr = args.Query.Match
			mod = &storage.Modifier{Limit: args.Query.Limit, OrderBy: args.Query.OrderBy}
		}
		records, err := tx.FindRecords(ctx, i.Data, expr, mod)
		if err != nil {
			return &CallResult{Error: storeFailure(i.Name, err)}
		}
		res.Data = records
	}
	res.Effects = tx.DrainEffects()
	return res
}

func (c *Controller) validatePayload(ctx context.Context, i *schema.Interaction, args *schema.InteractionArgs, refs attributive.RefResolver) *CallError {
	invalid := func(format string, a ...any) *CallError {
		return &CallError{Code: CodePayloadInvalid, Interaction: i.Name, Message: fmt.Sprintf(format, a...)}
	}

	names := make([]string, 0, len(args.Payload))
	for name := range args.Payload {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if i.PayloadItemByName(name) == nil {
			return invalid("undeclared payload item %q", name)
		}
	}

	for idx := range i.Payload {
		item := &i.Payload[idx]
		v, present := args.Payload[item.Name]
		if !present {
			if item.Required {
				return invalid("missing required payload item %q", item.Name)
			}
			continue
		}

		var records []schema.Record
		if item.IsCollection {
			list, ok := toRecordSlice(v)
			if !ok {
				return invalid("payload item %q: want a collection of records", item.Name)
			}
			records = list
		} else {
			rec, ok := v.(map[string]any)
			if !ok {
				return invalid("payload item %q: want a record", item.Name)
			}
			records = []schema.Record{rec}
		}

		for _, rec := range records {
			if item.IsRef {
				if id, _ := rec["id"].(string); id == "" {
					return invalid("payload item %q: reference without id", item.Name)
				}
			}
			if item.Attributives != nil {
				in := schema.AttrInput{User: args.User, Target: rec, Args: args}
				if err := c.attrs.Check(ctx, i.Name, item.Attributives, in, refs); err != nil {
					return asCallError(i.Name, err)
				}
			}
		}
	}
	return nil
}

func toRecordSlice(v any) ([]schema.Record, bool) {
	switch list := v.(type) {
	case []schema.Record:
		return list, true
	case []any:
		out := make([]schema.Record, 0, len(list))
		for _, el := range list {
			rec, ok := el.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, rec)
		}
		return out, true
	}
	return nil, false
}

// asCallError classifies an attributive evaluation error: denials keep their
// diagnostics, anything else is a store failure.
func asCallError(interaction string, err error) *CallError {
	var pe *attributive.PermissionError
	if errors.As(err, &pe) {
		return &CallError{
			Code:        CodePermissionDenied,
			Interaction: interaction,
			Message:     pe.Error(),
			Attributive: pe.Attributive,
			Stack:       pe.Stack,
			cause:       err,
		}
	}
	return storeFailure(interaction, err)
}

func storeFailure(interaction string, err error) *CallError {
	return &CallError{Code: CodeStoreFailure, Interaction: interaction, Message: err.Error(), cause: err}
}
