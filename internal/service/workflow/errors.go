package workflow

import "errors"

var (
	// ErrUnknownAction 动作不在固定映射表内
	ErrUnknownAction = errors.New("unknown workflow action")

	// ErrReferenceResolution quote/booking 无法解析到 service request
	ErrReferenceResolution = errors.New("failed to resolve workflow reference")
)
