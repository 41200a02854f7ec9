// Package apperr 定义了系统的错误分类。
package apperr

import (
	"errors"
	"fmt"
)

// ConfigError 表示非法的分块/嵌入参数组合，在启动阶段即为致命错误。
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("配置项 %s 非法: %s", e.Field, e.Reason)
}

// ProviderError 表示嵌入或生成提供方在重试耗尽后仍然失败。
// Batch 指出失败的批次下标，摄取方可以从该批次恢复而不必整体重来。
type ProviderError struct {
	Op    string // "embedding" 或 "generation"
	Batch int    // 失败的批次下标，不适用时为 -1
	Err   error
}

func (e *ProviderError) Error() string {
	if e.Batch >= 0 {
		return fmt.Sprintf("%s 提供方调用失败 (batch=%d): %v", e.Op, e.Batch, e.Err)
	}
	return fmt.Sprintf("%s 提供方调用失败: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// DimensionMismatchError 表示向量维度与索引维度不一致。
// 这是配置错误的信号，绝不做截断或补零。
type DimensionMismatchError struct {
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("向量维度不匹配: 期望 %d, 实际 %d", e.Want, e.Got)
}

// ModelMismatchError 表示查询使用的嵌入模型与建库模型不一致。
type ModelMismatchError struct {
	Want string
	Got  string
}

func (e *ModelMismatchError) Error() string {
	return fmt.Sprintf("嵌入模型不匹配: 索引使用 %q, 查询使用 %q", e.Want, e.Got)
}

// IsProviderError 判断 err 链上是否存在 ProviderError。
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
