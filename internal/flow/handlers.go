package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/FlowBotIO/flowbot/internal/models"
	"github.com/FlowBotIO/flowbot/internal/util"
)

// DefaultWebhookRetries bounds external call attempts when the node does not
// configure its own count.
const DefaultWebhookRetries = 3

// recordConfigError writes a configuration-error marker into the session so
// the branch can advance instead of aborting.
func recordConfigError(ec *ExecContext, msg string) {
	slog.Warn("Handler: node misconfigured", "type", ec.Node.Type, "nodeID", ec.Node.ID, "reason", msg)
	ec.Session.SetVariable("_error_"+ec.Node.ID, msg)
}

// executeStart consumes the triggering event and falls through to the next
// node.
func (i *Interpreter) executeStart(ctx context.Context, ec *ExecContext) error {
	ec.EventConsumed = true
	return i.Advance(ctx, ec, ec.Node.ID)
}

func (i *Interpreter) executeMessage(ctx context.Context, ec *ExecContext) error {
	text := interpolate(ec.Node.Data.Text, ec)
	if text != "" {
		if err := i.messenger.SendMessage(ctx, ec.Session.ChatID, text); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	}
	return i.Advance(ctx, ec, ec.Node.ID)
}

// executeKeyboard sends the button prompt and pauses; the user's next text
// selects the outgoing edge whose branch label matches the chosen button's
// value.
func (i *Interpreter) executeKeyboard(ctx context.Context, ec *ExecContext) error {
	marker := "_kb_" + ec.Node.ID
	if _, waiting := ec.Session.Variable(marker); waiting && ec.Event != nil && !ec.EventConsumed {
		choice := strings.TrimSpace(ec.Event.Text)
		ec.EventConsumed = true
		delete(ec.Session.Variables, marker)

		label := ""
		for _, b := range ec.Node.Data.Buttons {
			if strings.EqualFold(b.Label, choice) || b.Value == choice {
				label = b.Value
				if label == "" {
					label = b.Label
				}
				break
			}
		}
		if ec.Node.Data.Variable != "" {
			ec.Session.SetVariable(ec.Node.Data.Variable, choice)
		}
		return i.AdvanceLabel(ctx, ec, ec.Node.ID, label)
	}

	text := interpolate(ec.Node.Data.Text, ec)
	if err := i.messenger.SendKeyboard(ctx, ec.Session.ChatID, text, ec.Node.Data.Buttons); err != nil {
		return fmt.Errorf("failed to send keyboard: %w", err)
	}
	ec.Session.SetVariable(marker, true)
	return nil
}

// executeNewMessage binds the inbound text and advances, or pauses until the
// next event when the chain already consumed the current one.
func (i *Interpreter) executeNewMessage(ctx context.Context, ec *ExecContext) error {
	if ec.Event == nil || ec.EventConsumed {
		return nil
	}
	d := ec.Node.Data
	if !contentTypeMatches(d.ContentType, ec.Event.ContentType) {
		return nil
	}
	if d.Text != "" && !textMatches(d.Text, ec.Event.Text, d.CaseSensitive) {
		return nil
	}
	ec.EventConsumed = true
	if d.Variable != "" {
		ec.Session.SetVariable(d.Variable, ec.Event.Text)
	}
	return i.Advance(ctx, ec, ec.Node.ID)
}

// Condition operators.
const (
	opEquals      = "equals"
	opNotEquals   = "notEquals"
	opGreaterThan = "greaterThan"
	opLessThan    = "lessThan"
	opContains    = "contains"
	opIsEmpty     = "isEmpty"
	opIsNotEmpty  = "isNotEmpty"
)

func (i *Interpreter) executeCondition(ctx context.Context, ec *ExecContext) error {
	d := ec.Node.Data
	actual, _ := ec.Session.Variable(d.Variable)
	expected := interpolate(d.Value, ec)

	result, err := evaluateCondition(actual, d.Operator, expected)
	if err != nil {
		recordConfigError(ec, err.Error())
		return i.Advance(ctx, ec, ec.Node.ID)
	}
	return i.AdvanceLabel(ctx, ec, ec.Node.ID, strconv.FormatBool(result))
}

func evaluateCondition(actual any, operator, expected string) (bool, error) {
	switch operator {
	case opEquals:
		return stringify(actual) == expected, nil
	case opNotEquals:
		return stringify(actual) != expected, nil
	case opGreaterThan:
		return toNumber(actual) > toNumber(expected), nil
	case opLessThan:
		return toNumber(actual) < toNumber(expected), nil
	case opContains:
		return strings.Contains(stringify(actual), expected), nil
	case opIsEmpty:
		return stringify(actual) == "", nil
	case opIsNotEmpty:
		return stringify(actual) != "", nil
	default:
		return false, fmt.Errorf("unknown condition operator %q", operator)
	}
}

func toNumber(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// executeEnd sends an optional farewell and terminates the branch.
func (i *Interpreter) executeEnd(ctx context.Context, ec *ExecContext) error {
	if text := interpolate(ec.Node.Data.Text, ec); text != "" {
		if err := i.messenger.SendMessage(ctx, ec.Session.ChatID, text); err != nil {
			slog.Warn("Handler: failed to send end message", "nodeID", ec.Node.ID, "error", err)
		}
	}
	ec.Session.CurrentNodeID = ""
	return nil
}

// executeDelay pauses the branch and schedules resumption. The session stays
// parked at the delay node; an inbound event meanwhile leaves it untouched.
func (i *Interpreter) executeDelay(ctx context.Context, ec *ExecContext) error {
	seconds := ec.Node.Data.DelaySeconds
	if seconds <= 0 {
		return i.Advance(ctx, ec, ec.Node.ID)
	}
	botID, userID, nodeID := ec.Bot.ID, ec.Session.UserID, ec.Node.ID
	if _, err := i.timer.ScheduleAfter(time.Duration(seconds)*time.Second, func() {
		i.resumeAfterDelay(botID, userID, nodeID)
	}); err != nil {
		return fmt.Errorf("failed to schedule delay: %w", err)
	}
	slog.Debug("Handler: delay scheduled", "nodeID", nodeID, "seconds", seconds, "userID", userID)
	return nil
}

func (i *Interpreter) executeVariable(ctx context.Context, ec *ExecContext) error {
	d := ec.Node.Data
	if d.Variable == "" {
		recordConfigError(ec, "variable node missing variable name")
		return i.Advance(ctx, ec, ec.Node.ID)
	}
	ec.Session.SetVariable(d.Variable, interpolate(d.Value, ec))
	return i.Advance(ctx, ec, ec.Node.ID)
}

// executeRandom picks a weighted option and follows the edge labeled with it.
func (i *Interpreter) executeRandom(ctx context.Context, ec *ExecContext) error {
	opts := ec.Node.Data.Options
	if len(opts) == 0 {
		recordConfigError(ec, "random node has no options")
		return i.Advance(ctx, ec, ec.Node.ID)
	}
	weights := make([]int, len(opts))
	for idx, o := range opts {
		weights[idx] = o.Weight
	}
	chosen := opts[util.WeightedIndex(weights)]
	if ec.Node.Data.Variable != "" {
		ec.Session.SetVariable(ec.Node.Data.Variable, chosen.Label)
	}
	return i.AdvanceLabel(ctx, ec, ec.Node.ID, chosen.Label)
}

// Transform operations work on the configured variable's string rendering.
func (i *Interpreter) executeTransform(ctx context.Context, ec *ExecContext) error {
	d := ec.Node.Data
	src := stringify(func() any { v, _ := ec.Session.Variable(d.Variable); return v }())
	target := d.ResultVariable
	if target == "" {
		target = d.Variable
	}

	var out string
	switch d.Operation {
	case "upper":
		out = strings.ToUpper(src)
	case "lower":
		out = strings.ToLower(src)
	case "trim":
		out = strings.TrimSpace(src)
	case "replace":
		// Operands: [old, new]
		if len(d.Operands) < 2 {
			recordConfigError(ec, "replace transform needs two operands")
			return i.Advance(ctx, ec, ec.Node.ID)
		}
		out = strings.ReplaceAll(src, d.Operands[0], d.Operands[1])
	case "split":
		// Operands: [separator, index]
		if len(d.Operands) < 2 {
			recordConfigError(ec, "split transform needs separator and index")
			return i.Advance(ctx, ec, ec.Node.ID)
		}
		parts := strings.Split(src, d.Operands[0])
		idx, err := strconv.Atoi(d.Operands[1])
		if err != nil || idx < 0 || idx >= len(parts) {
			out = ""
		} else {
			out = parts[idx]
		}
	default:
		recordConfigError(ec, fmt.Sprintf("unknown transform operation %q", d.Operation))
		return i.Advance(ctx, ec, ec.Node.ID)
	}

	ec.Session.SetVariable(target, out)
	return i.Advance(ctx, ec, ec.Node.ID)
}

// executeCalculator reduces the operand list with the configured arithmetic
// operation. Operands are literals or {{variable}} references.
func (i *Interpreter) executeCalculator(ctx context.Context, ec *ExecContext) error {
	d := ec.Node.Data
	if d.ResultVariable == "" || len(d.Operands) == 0 {
		recordConfigError(ec, "calculator node needs operands and a result variable")
		return i.Advance(ctx, ec, ec.Node.ID)
	}

	values := make([]float64, len(d.Operands))
	for idx, op := range d.Operands {
		values[idx] = toNumber(interpolate(op, ec))
	}

	result := values[0]
	for _, v := range values[1:] {
		switch d.Operation {
		case "add", "":
			result += v
		case "subtract":
			result -= v
		case "multiply":
			result *= v
		case "divide":
			if v == 0 {
				recordConfigError(ec, "division by zero")
				return i.Advance(ctx, ec, ec.Node.ID)
			}
			result /= v
		default:
			recordConfigError(ec, fmt.Sprintf("unknown calculator operation %q", d.Operation))
			return i.Advance(ctx, ec, ec.Node.ID)
		}
	}

	ec.Session.SetVariable(d.ResultVariable, result)
	return i.Advance(ctx, ec, ec.Node.ID)
}

func (i *Interpreter) executeFile(ctx context.Context, ec *ExecContext) error {
	d := ec.Node.Data
	if d.FileURL == "" {
		recordConfigError(ec, "file node missing file URL")
		return i.Advance(ctx, ec, ec.Node.ID)
	}
	url := interpolate(d.FileURL, ec)
	caption := interpolate(d.Caption, ec)
	if err := i.messenger.SendFile(ctx, ec.Session.ChatID, url, caption); err != nil {
		return fmt.Errorf("failed to send file: %w", err)
	}
	return i.Advance(ctx, ec, ec.Node.ID)
}

// executeLocation prompts for a location and pauses; a later location event
// binds the payload and advances. An expired deadline falls through to the
// "timeout" labeled edge if present, else the first edge.
func (i *Interpreter) executeLocation(ctx context.Context, ec *ExecContext) error {
	d := ec.Node.Data
	sess := ec.Session

	if sess.LocationRequest != nil && sess.LocationRequest.NodeID == ec.Node.ID {
		if ec.Event != nil && !ec.EventConsumed && ec.Event.ContentType == models.ContentTypeLocation {
			ec.EventConsumed = true
			expired := time.Now().After(sess.LocationRequest.Deadline)
			sess.LocationRequest = nil
			if expired {
				slog.Debug("Handler: location arrived after deadline", "nodeID", ec.Node.ID, "userID", sess.UserID)
				return i.AdvanceLabel(ctx, ec, ec.Node.ID, "timeout")
			}
			if d.Variable != "" {
				sess.SetVariable(d.Variable, ec.Event.Text)
			}
			return i.Advance(ctx, ec, ec.Node.ID)
		}
		// Still waiting; non-location events leave the branch parked.
		return nil
	}

	prompt := interpolate(d.Text, ec)
	if err := i.messenger.RequestLocation(ctx, sess.ChatID, prompt); err != nil {
		return fmt.Errorf("failed to request location: %w", err)
	}
	timeout := time.Duration(d.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	sess.LocationRequest = &models.LocationRequest{NodeID: ec.Node.ID, Deadline: time.Now().Add(timeout)}
	return nil
}

// executeForm walks the field list one prompt at a time, pausing between
// questions. Progress is tracked in a per-node step variable.
func (i *Interpreter) executeForm(ctx context.Context, ec *ExecContext) error {
	d := ec.Node.Data
	if len(d.Fields) == 0 {
		recordConfigError(ec, "form node has no fields")
		return i.Advance(ctx, ec, ec.Node.ID)
	}
	marker := "_form_step_" + ec.Node.ID
	step := 0
	if v, ok := ec.Session.Variable(marker); ok {
		step = int(toNumber(v))
	}

	if step > 0 && ec.Event != nil && !ec.EventConsumed {
		ec.EventConsumed = true
		ec.Session.SetVariable(d.Fields[step-1].Name, ec.Event.Text)
	} else if step > 0 {
		// Re-entered without a fresh answer (e.g. resumed chain); keep waiting.
		return nil
	}

	if step >= len(d.Fields) {
		delete(ec.Session.Variables, marker)
		return i.Advance(ctx, ec, ec.Node.ID)
	}

	prompt := interpolate(d.Fields[step].Prompt, ec)
	if err := i.messenger.SendMessage(ctx, ec.Session.ChatID, prompt); err != nil {
		return fmt.Errorf("failed to send form prompt: %w", err)
	}
	ec.Session.SetVariable(marker, step+1)
	return nil
}

// executeWebhook calls the configured URL with exponential backoff. The
// response lands in the result variable; a final failure is recorded and the
// branch still advances.
func (i *Interpreter) executeWebhook(ctx context.Context, ec *ExecContext) error {
	d := ec.Node.Data
	if d.URL == "" {
		recordConfigError(ec, "webhook node missing URL")
		return i.Advance(ctx, ec, ec.Node.ID)
	}
	url := interpolate(d.URL, ec)
	method := strings.ToUpper(d.Method)
	if method == "" {
		method = http.MethodPost
	}
	attempts := d.MaxRetries
	if attempts <= 0 {
		attempts = DefaultWebhookRetries
	}

	body, err := i.callWebhook(ctx, method, url, d.Value, ec, attempts)
	if err != nil {
		slog.Warn("Handler: webhook failed after retries", "nodeID", ec.Node.ID, "url", url, "attempts", attempts, "error", err)
		ec.Session.SetVariable("_error_"+ec.Node.ID, err.Error())
		return i.Advance(ctx, ec, ec.Node.ID)
	}

	if d.ResultVariable != "" {
		var parsed any
		if json.Unmarshal(body, &parsed) == nil {
			ec.Session.SetVariable(d.ResultVariable, parsed)
		} else {
			ec.Session.SetVariable(d.ResultVariable, string(body))
		}
	}
	return i.Advance(ctx, ec, ec.Node.ID)
}

func (i *Interpreter) callWebhook(ctx context.Context, method, url, payload string, ec *ExecContext, attempts int) ([]byte, error) {
	var lastErr error
	backoff := time.Second
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		var body io.Reader
		if method != http.MethodGet {
			if payload != "" {
				body = strings.NewReader(interpolate(payload, ec))
			} else {
				encoded, err := json.Marshal(ec.Session.Variables)
				if err != nil {
					return nil, fmt.Errorf("failed to encode session variables: %w", err)
				}
				body = bytes.NewReader(encoded)
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, fmt.Errorf("failed to build webhook request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := i.webhooks.Do(req)
		if err != nil {
			lastErr = err
			slog.Debug("Handler: webhook attempt failed", "url", url, "attempt", attempt, "error", err)
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return data, nil
	}
	return nil, fmt.Errorf("webhook failed after %d attempts: %w", attempts, lastErr)
}
