package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"notibridge/internal/bridge"
	"notibridge/internal/eventbus"
	"notibridge/internal/metrics"
	"notibridge/internal/source"
	logx "notibridge/pkg/logx"
)

// Method names accepted on every transport.
const (
	MethodRemoveNotification  = "removeNotification"
	MethodSetRetractOnForward = "setRetractOnForward"
	MethodRequestPermission   = "requestPermission"
	MethodIsPermissionGranted = "isPermissionGranted"
	MethodSetListening        = "setListening"
	MethodSendTest            = "sendTest"
	MethodClearAll            = "clearAllNotifications"
	MethodExecuteAction       = "executeAction"
	MethodLaunchApplication   = "launchApplication"
	MethodGetPolicy           = "getPolicy"
)

// Commands is the bridge surface the dispatcher drives.
type Commands interface {
	RemoveNotification(ctx context.Context, id source.Identity) error
	ClearAll(ctx context.Context) (int, error)
	SetListening(enabled bool) bool
	SetRetractOnForward(ctx context.Context, enabled bool) error
	SendTest(ctx context.Context, title, body string) (bool, error)
	ExecuteAction(ctx context.Context, id source.Identity) (bool, error)
	RequestPermission(ctx context.Context) (bool, error)
	PermissionGranted() (bool, error)
	LaunchApplication(ctx context.Context, appID string) (bool, error)
	Policy() bridge.Policy
}

var _ Commands = (*bridge.Bridge)(nil)

// Caller identifies who issued a command, for audit.
type Caller struct {
	Transport string
	Actor     string
}

// CommandEvent is published as eventbus.TypeCommandHandled.
type CommandEvent struct {
	Caller
	Method string
	Target string
	Code   string // empty on success
	Result string
	Took   time.Duration
}

type DispatcherOptions struct {
	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Collector
	// Timeout bounds a single command. Zero means 15s.
	Timeout time.Duration
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonName)
	return v
}

type handler func(ctx context.Context, params json.RawMessage) (result any, target string, err error)

// Dispatcher decodes and validates command parameters, runs the command
// against the bridge and maps failures to wire codes.
type Dispatcher struct {
	cmds     Commands
	validate *validator.Validate
	log      logx.Logger
	bus      eventbus.Bus
	metrics  *metrics.Collector
	timeout  time.Duration
	methods  map[string]handler
}

func NewDispatcher(cmds Commands, opts DispatcherOptions) *Dispatcher {
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	d := &Dispatcher{
		cmds:     cmds,
		validate: newValidator(),
		log:      opts.Log.With(logx.String("comp", "consumer.dispatch")),
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		timeout:  opts.Timeout,
	}
	d.methods = map[string]handler{
		MethodRemoveNotification:  d.removeNotification,
		MethodSetRetractOnForward: d.setRetractOnForward,
		MethodRequestPermission:   d.requestPermission,
		MethodIsPermissionGranted: d.isPermissionGranted,
		MethodSetListening:        d.setListening,
		MethodSendTest:            d.sendTest,
		MethodClearAll:            d.clearAll,
		MethodExecuteAction:       d.executeAction,
		MethodLaunchApplication:   d.launchApplication,
		MethodGetPolicy:           d.getPolicy,
	}
	return d
}

// Methods lists the supported method names, sorted.
func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.methods))
	for m := range d.methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Call runs one command. Errors are *bridge.Error values.
func (d *Dispatcher) Call(ctx context.Context, caller Caller, method string, params json.RawMessage) (any, error) {
	start := time.Now()
	h, ok := d.methods[method]
	var (
		result any
		target string
		err    error
	)
	if !ok {
		err = &bridge.Error{Kind: bridge.KindNotImplemented, Op: method, Err: errors.New("unknown method")}
	} else {
		cctx, cancel := context.WithTimeout(ctx, d.timeout)
		result, target, err = h(cctx, params)
		cancel()
	}
	took := time.Since(start)

	code := ""
	if err != nil {
		code = Code(err)
	}
	d.metrics.Command(method, codeLabel(code), took)
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeCommandHandled, Data: CommandEvent{
		Caller: caller,
		Method: method,
		Target: target,
		Code:   code,
		Result: resultString(result),
		Took:   took,
	}})
	if err != nil {
		d.log.Debug("command failed",
			logx.String("method", method),
			logx.String("transport", caller.Transport),
			logx.String("code", code),
			logx.Err(err),
		)
	}
	return result, err
}

// Handle runs a request frame and builds its response frame.
func (d *Dispatcher) Handle(ctx context.Context, caller Caller, req Request) Response {
	res, err := d.Call(ctx, caller, req.Method, req.Params)
	if err != nil {
		return Response{ID: req.ID, Error: WireErrorOf(err)}
	}
	return Response{ID: req.ID, Result: res}
}

func codeLabel(code string) string {
	if code == "" {
		return "OK"
	}
	return code
}

func resultString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case bridge.Policy:
		return fmt.Sprintf("listening=%t retract=%t", x.Listening, x.RetractOnForward)
	default:
		return fmt.Sprint(x)
	}
}

// Code maps an error to its wire code.
func Code(err error) string {
	return bridge.KindOf(err).String()
}

// decode unmarshals params into dst (empty or null params leave dst zero)
// and validates it. Failures are reported with kind.
func (d *Dispatcher) decode(op string, params json.RawMessage, dst any, kind bridge.Kind) error {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, dst); err != nil {
			return &bridge.Error{Kind: bridge.KindInvalidArgument, Op: op, Err: fmt.Errorf("params: %w", err)}
		}
	}
	if err := d.validate.Struct(dst); err != nil {
		return &bridge.Error{Kind: kind, Op: op, Err: validationError(err)}
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	return fmt.Errorf("%s: failed %s", fe.Field(), fe.Tag())
}

// jsonName reports fields by their wire name in validation errors.
func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}
