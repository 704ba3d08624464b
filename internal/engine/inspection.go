package engine

import (
	"conveyor-factory/internal/types"
	"fmt"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
)

// Inspector 在消费者取出元素后执行检验规则 (expr 语法)
// 规则返回 true 表示合格，false 表示不合格；不合格只计数，不影响传送带结果
// 例如: "item.Edition % 10 != 7" 或 "!item.IsLast || belt.Capacity > 1"
type Inspector struct {
	rule    string
	program *vm.Program
}

func inspectionEnv(item types.Item, belt types.BeltConfig) map[string]interface{} {
	return map[string]interface{}{"item": item, "belt": belt}
}

// NewInspector 编译检验规则，空规则返回 nil
func NewInspector(rule string) (*Inspector, error) {
	if rule == "" {
		return nil, nil
	}
	program, err := expr.Compile(rule, expr.Env(inspectionEnv(types.Item{}, types.BeltConfig{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: inspection rule compilation failed: %v", types.ErrConfig, err)
	}
	return &Inspector{rule: rule, program: program}, nil
}

// Rule 返回原始规则文本
func (i *Inspector) Rule() string { return i.rule }

// Accept 对单个元素执行规则
func (i *Inspector) Accept(item types.Item, belt types.BeltConfig) (bool, error) {
	result, err := expr.Run(i.program, inspectionEnv(item, belt))
	if err != nil {
		return false, fmt.Errorf("inspection rule execution failed: %w", err)
	}
	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("inspection rule result is not a boolean")
	}
	return ok, nil
}
