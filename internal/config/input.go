package config

import (
	"bufio"
	"conveyor-factory/internal/types"
	"fmt"
	"io"
	"os"
	"strconv"
)

// FactorySpec 是输入文件解析后的结果
type FactorySpec struct {
	MaxBelts int                // 声明的最大传送带数量
	Belts    []types.BeltConfig // 按文件中的顺序
}

// ParseFactoryFile 读取并解析工厂输入文件
func ParseFactoryFile(path string, strict bool) (*FactorySpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: 无法打开输入文件: %v", types.ErrMalformedInput, err)
	}
	defer f.Close()
	return ParseFactory(f, strict)
}

// ParseFactory 解析工厂描述
// 格式为以空白分隔的整数：第一个是最大传送带数量，之后每三个为一组 "id 容量 生产数量"。
// strict 为 true 时，容量或生产数量不为正数会直接拒绝整个文件；
// 否则原样保留，由协调者让对应的传送带单独失败。
func ParseFactory(r io.Reader, strict bool) (*FactorySpec, error) {
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)

	var nums []int
	for scanner.Scan() {
		n, err := strconv.Atoi(scanner.Text())
		if err != nil {
			return nil, fmt.Errorf("%w: 非法数字 %q", types.ErrMalformedInput, scanner.Text())
		}
		nums = append(nums, n)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedInput, err)
	}

	if len(nums) == 0 {
		return nil, fmt.Errorf("%w: 输入为空", types.ErrMalformedInput)
	}
	if nums[0] <= 0 {
		return nil, fmt.Errorf("%w: 最大传送带数量必须为正数，得到 %d", types.ErrMalformedInput, nums[0])
	}
	rest := nums[1:]
	if len(rest)%3 != 0 {
		return nil, fmt.Errorf("%w: 传送带描述必须是三个一组，剩余 %d 个数字", types.ErrMalformedInput, len(rest)%3)
	}

	spec := &FactorySpec{MaxBelts: nums[0]}
	for i := 0; i < len(rest); i += 3 {
		belt := types.BeltConfig{ID: types.BeltID(rest[i]), Capacity: rest[i+1], ItemsToProduce: rest[i+2]}
		if strict {
			if err := belt.Validate(); err != nil {
				return nil, err
			}
		}
		spec.Belts = append(spec.Belts, belt)
	}
	if len(spec.Belts) > spec.MaxBelts {
		return nil, fmt.Errorf("%w: 声明最多 %d 条，实际 %d 条", types.ErrTooManyBelts, spec.MaxBelts, len(spec.Belts))
	}
	if len(spec.Belts) == 0 {
		return nil, types.ErrNoBelts
	}
	return spec, nil
}
