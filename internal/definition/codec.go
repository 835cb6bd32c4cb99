package definition

import (
	"fmt"
	"slices"
	"sort"

	"github.com/go-viper/mapstructure/v2"

	"github.com/pitabwire/flowdesk/internal/condition"
	"github.com/pitabwire/flowdesk/model"
)

// keySet lists the config keys a node may carry.
type keySet struct {
	required []string
	optional []string
}

func (k keySet) allows(key string) bool {
	return slices.Contains(k.required, key) || slices.Contains(k.optional, key)
}

var (
	triggerKeys   = keySet{required: []string{"event"}}
	predicateKeys = keySet{required: []string{"field", "operator", "operand"}}
	logicKeys     = keySet{required: []string{"logic", "conditions"}}
	approvalKeys  = keySet{
		required: []string{"approverRole", "timeoutHours"},
		optional: []string{"approverId", "onTimeout", "escalateTo", "escalateRole", "maxEscalations"},
	}
	emptyKeys = keySet{}
)

var actionCommonKeys = []string{"actionType", "critical", "terminal", "retryCount"}

// actionKeys holds the keys each action type adds to actionCommonKeys.
var actionKeys = map[model.ActionType]keySet{
	model.ActionNotify:      {required: []string{"channel", "template"}, optional: []string{"recipients"}},
	model.ActionReassign:    {required: []string{"assignee"}},
	model.ActionEscalate:    {optional: []string{"assignee", "comment"}},
	model.ActionWebhook:     {required: []string{"url"}, optional: []string{"method", "payload"}},
	model.ActionUpdateField: {required: []string{"fields"}},
	model.ActionAddComment:  {required: []string{"comment"}, optional: []string{"visibility"}},
}

var notifyChannels = []string{"email", "slack", "teams"}

// maxRetryCount bounds the retryCount key of action nodes.
const maxRetryCount = 10

// DecodeConfig turns the wire config of a node into its typed variant. It
// fails closed: unknown keys, missing required keys and mistyped values are
// all reported, with paths rooted at prefix.
func DecodeConfig(prefix string, n model.Node) (model.NodeConfig, []VError) {
	raw := n.Config
	if raw == nil {
		raw = map[string]any{}
	}
	var cfg model.NodeConfig
	var errs []VError

	switch n.Type {
	case model.NodeTrigger:
		var tc model.TriggerConfig
		errs = decodeChecked(prefix, raw, triggerKeys, &tc)
		if len(errs) == 0 && tc.Event == "" {
			errs = append(errs, VError{Path: prefix + ".event", Code: CodeInvalidConfig, Message: "event must not be empty"})
		}
		cfg.Trigger = &tc

	case model.NodeCondition:
		cc, cerrs := decodeCondition(prefix, raw)
		errs = cerrs
		cfg.Condition = cc

	case model.NodeApproval:
		ac := model.ApprovalConfig{OnTimeout: model.TimeoutAutoReject, MaxEscalations: 1}
		errs = decodeChecked(prefix, raw, approvalKeys, &ac)
		if len(errs) == 0 {
			errs = append(errs, checkApproval(prefix, ac)...)
		}
		cfg.Approval = &ac

	case model.NodeAction:
		ac, aerrs := decodeAction(prefix, raw)
		errs = aerrs
		cfg.Action = ac

	case model.NodeParallelSplit, model.NodeMergeJoin:
		errs = checkKeys(prefix, raw, emptyKeys)
	}

	return cfg, errs
}

func decodeCondition(prefix string, raw map[string]any) (*model.ConditionConfig, []VError) {
	if _, isLogic := raw["logic"]; !isLogic {
		var p model.Predicate
		errs := decodeChecked(prefix, raw, predicateKeys, &p)
		if len(errs) == 0 {
			errs = append(errs, checkPredicate(prefix, p)...)
		}
		return &model.ConditionConfig{Predicates: []model.Predicate{p}}, errs
	}

	var lc struct {
		Logic      model.Logic      `mapstructure:"logic"`
		Conditions []map[string]any `mapstructure:"conditions"`
	}
	errs := decodeChecked(prefix, raw, logicKeys, &lc)
	if len(errs) > 0 {
		return &model.ConditionConfig{}, errs
	}
	if lc.Logic != model.LogicAnd && lc.Logic != model.LogicOr {
		errs = append(errs, VError{Path: prefix + ".logic", Code: CodeInvalidConfig, Message: fmt.Sprintf("logic must be and or or, got %q", lc.Logic)})
	}
	if len(lc.Conditions) == 0 {
		errs = append(errs, VError{Path: prefix + ".conditions", Code: CodeMissingConfig, Message: "at least one condition is required"})
	}

	cc := &model.ConditionConfig{Logic: lc.Logic}
	for i, sub := range lc.Conditions {
		sp := fmt.Sprintf("%s.conditions[%d]", prefix, i)
		var p model.Predicate
		serrs := decodeChecked(sp, sub, predicateKeys, &p)
		if len(serrs) == 0 {
			serrs = append(serrs, checkPredicate(sp, p)...)
		}
		errs = append(errs, serrs...)
		cc.Predicates = append(cc.Predicates, p)
	}
	return cc, errs
}

func checkPredicate(prefix string, p model.Predicate) []VError {
	var errs []VError
	if p.Field == "" {
		errs = append(errs, VError{Path: prefix + ".field", Code: CodeInvalidConfig, Message: "field must not be empty"})
	}
	if !p.Operator.Valid() {
		errs = append(errs, VError{Path: prefix + ".operator", Code: CodeInvalidConfig, Message: fmt.Sprintf("unknown operator %q", p.Operator)})
	} else if p.Operator.Ordinal() {
		if _, ok := condition.ToNumber(p.Operand); !ok {
			errs = append(errs, VError{Path: prefix + ".operand", Code: CodeInvalidConfig, Message: fmt.Sprintf("operator %s needs a numeric operand", p.Operator)})
		}
	}
	return errs
}

func checkApproval(prefix string, ac model.ApprovalConfig) []VError {
	var errs []VError
	if ac.ApproverRole == "" {
		errs = append(errs, VError{Path: prefix + ".approverRole", Code: CodeInvalidConfig, Message: "approverRole must not be empty"})
	}
	if ac.TimeoutHours <= 0 {
		errs = append(errs, VError{Path: prefix + ".timeoutHours", Code: CodeInvalidConfig, Message: "timeoutHours must be positive"})
	}
	switch ac.OnTimeout {
	case model.TimeoutAutoReject, model.TimeoutAutoApprove:
	case model.TimeoutEscalate:
		if ac.EscalateTo == "" && ac.EscalateRole == "" {
			errs = append(errs, VError{Path: prefix + ".escalateTo", Code: CodeMissingConfig, Message: "escalateTo or escalateRole is required when onTimeout is escalate"})
		}
		if ac.MaxEscalations < 1 {
			errs = append(errs, VError{Path: prefix + ".maxEscalations", Code: CodeInvalidConfig, Message: "maxEscalations must be at least 1"})
		}
	default:
		errs = append(errs, VError{Path: prefix + ".onTimeout", Code: CodeInvalidConfig, Message: fmt.Sprintf("unknown timeout policy %q", ac.OnTimeout)})
	}
	return errs
}

func decodeAction(prefix string, raw map[string]any) (*model.ActionConfig, []VError) {
	at, _ := raw["actionType"].(string)
	extra, known := actionKeys[model.ActionType(at)]
	if !known {
		if _, present := raw["actionType"]; !present {
			return &model.ActionConfig{}, []VError{{Path: prefix + ".actionType", Code: CodeMissingConfig, Message: "actionType is required"}}
		}
		return &model.ActionConfig{}, []VError{{Path: prefix + ".actionType", Code: CodeInvalidConfig, Message: fmt.Sprintf("unknown action type %v", raw["actionType"])}}
	}

	keys := keySet{
		required: append(slices.Clone(extra.required), "actionType"),
		optional: append(slices.Clone(extra.optional), actionCommonKeys[1:]...),
	}
	ac := &model.ActionConfig{}
	errs := decodeChecked(prefix, raw, keys, ac)
	if len(errs) > 0 {
		return ac, errs
	}

	if ac.RetryCount < 0 || ac.RetryCount > maxRetryCount {
		errs = append(errs, VError{Path: prefix + ".retryCount", Code: CodeInvalidConfig, Message: fmt.Sprintf("retryCount must be 0-%d", maxRetryCount)})
	}
	switch ac.ActionType {
	case model.ActionNotify:
		if !slices.Contains(notifyChannels, ac.Channel) {
			errs = append(errs, VError{Path: prefix + ".channel", Code: CodeInvalidConfig, Message: fmt.Sprintf("channel must be one of %v", notifyChannels)})
		}
	case model.ActionWebhook:
		if ac.Method == "" {
			ac.Method = "POST"
		}
	case model.ActionUpdateField:
		if len(ac.Fields) == 0 {
			errs = append(errs, VError{Path: prefix + ".fields", Code: CodeInvalidConfig, Message: "fields must not be empty"})
		}
	}
	return ac, errs
}

// decodeChecked validates the key set of raw and, when it is clean, decodes
// raw into out.
func decodeChecked(prefix string, raw map[string]any, ks keySet, out any) []VError {
	if errs := checkKeys(prefix, raw, ks); len(errs) > 0 {
		return errs
	}
	return decodeStrict(prefix, raw, out)
}

// checkKeys reports missing required keys and keys outside the allowed set,
// in a stable order.
func checkKeys(prefix string, raw map[string]any, ks keySet) []VError {
	var errs []VError
	for _, k := range ks.required {
		if _, ok := raw[k]; !ok {
			errs = append(errs, VError{Path: prefix + "." + k, Code: CodeMissingConfig, Message: fmt.Sprintf("%s is required", k)})
		}
	}
	var unknown []string
	for k := range raw {
		if !ks.allows(k) {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		errs = append(errs, VError{Path: prefix + "." + k, Code: CodeUnknownConfigKey, Message: fmt.Sprintf("unknown config key %q", k)})
	}
	return errs
}

// decodeStrict decodes raw into out, rejecting unused keys and mistyped values.
func decodeStrict(prefix string, raw map[string]any, out any) []VError {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      out,
	})
	if err != nil {
		return []VError{{Path: prefix, Code: CodeInvalidConfig, Message: err.Error()}}
	}
	if err := dec.Decode(raw); err != nil {
		return []VError{{Path: prefix, Code: CodeInvalidConfig, Message: err.Error()}}
	}
	return nil
}
