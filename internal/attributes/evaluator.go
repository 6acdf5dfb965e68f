package attributes

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mrzor/lineage-sensor/internal/config"
	"github.com/mrzor/lineage-sensor/internal/model"
)

// Env is what an expression sees.
type Env struct {
	Pid           uint32            `expr:"pid"`
	ParentPid     uint32            `expr:"ppid"`
	PidHash       string            `expr:"pid_hash"`
	ParentPidHash string            `expr:"parent_pid_hash"`
	Name          string            `expr:"name"`
	Path          string            `expr:"path"`
	Cmdline       string            `expr:"cmdline"`
	Args          []string          `expr:"args"`
	User          string            `expr:"user"`
	MD5           string            `expr:"md5"`
	SHA256        string            `expr:"sha256"`
	EventTimeUtc  int64             `expr:"event_time"`
	Synthetic     bool              `expr:"synthetic"`
	Fields        map[string]string `expr:"fields"`
}

// NewEnv builds the expression environment for inst.
func NewEnv(inst *model.ProcessInstance) Env {
	return Env{
		Pid:           inst.Pid,
		ParentPid:     inst.ParentPid,
		PidHash:       inst.PidHash,
		ParentPidHash: inst.ParentPidHash,
		Name:          inst.ProcessName,
		Path:          inst.ProcessPath,
		Cmdline:       inst.CommandLine,
		Args:          strings.Fields(inst.Arguments),
		User:          inst.User,
		MD5:           inst.MD5,
		SHA256:        inst.SHA256,
		EventTimeUtc:  inst.EventTimeUtc,
		Synthetic:     inst.Synthetic,
		Fields: map[string]string{
			"pid":             strconv.FormatUint(uint64(inst.Pid), 10),
			"ppid":            strconv.FormatUint(uint64(inst.ParentPid), 10),
			"name":            inst.ProcessName,
			"path":            inst.ProcessPath,
			"user":            inst.User,
			"pid_hash":        inst.PidHash,
			"parent_pid_hash": inst.ParentPidHash,
		},
	}
}

// Evaluator computes custom attributes for process records.
type Evaluator struct {
	log           *zap.Logger
	customAttrs   []config.CustomAttribute
	compiledExprs []*vm.Program
}

// NewEvaluator compiles every expression against Env. A compile error names the attribute.
func NewEvaluator(customAttrs []config.CustomAttribute, logger *zap.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	compiledExprs := make([]*vm.Program, len(customAttrs))
	for i, attr := range customAttrs {
		program, err := expr.Compile(attr.Expression, expr.Env(Env{}))
		if err != nil {
			return nil, fmt.Errorf("failed to compile expression for attribute %q: %w", attr.Name, err)
		}
		compiledExprs[i] = program
	}

	return &Evaluator{
		log:           logger.Named("attributes"),
		customAttrs:   customAttrs,
		compiledExprs: compiledExprs,
	}, nil
}

// Len returns the number of configured attributes.
func (e *Evaluator) Len() int { return len(e.customAttrs) }

// Evaluate runs every expression against inst. An expression that fails at runtime is logged
// and skipped. Map results expand into one attribute per key, "<name>.<key>".
func (e *Evaluator) Evaluate(inst *model.ProcessInstance) []attribute.KeyValue {
	if len(e.customAttrs) == 0 || inst == nil {
		return nil
	}

	env := NewEnv(inst)
	var attrs []attribute.KeyValue
	for i, customAttr := range e.customAttrs {
		output, err := expr.Run(e.compiledExprs[i], env)
		if err != nil {
			e.log.Warn("evaluating custom attribute",
				zap.String("attribute", customAttr.Name),
				zap.String("pid_hash", inst.PidHash),
				zap.Error(err))
			continue
		}
		attrs = appendValue(attrs, customAttr.Name, output)
	}
	return attrs
}

func appendValue(attrs []attribute.KeyValue, name string, output any) []attribute.KeyValue {
	v := reflect.ValueOf(output)
	if v.Kind() != reflect.Map {
		return append(attrs, attribute.String(name, fmt.Sprint(output)))
	}
	for _, key := range v.MapKeys() {
		attrName := name + "." + sanitizeAttributeName(fmt.Sprint(key.Interface()))
		attrs = append(attrs, attribute.String(attrName, fmt.Sprint(v.MapIndex(key).Interface())))
	}
	return attrs
}

// sanitizeAttributeName replaces anything but [A-Za-z0-9_] with an underscore.
func sanitizeAttributeName(name string) string {
	result := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result[i] = c
		} else {
			result[i] = '_'
		}
	}
	return string(result)
}
