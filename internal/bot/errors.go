package bot

import "errors"

// 引擎返回的错误类型, 调用方使用 errors.Is 判断
var (
	ErrValidation     = errors.New("validation error")
	ErrNotFound       = errors.New("grid not found")
	ErrAlreadyActive  = errors.New("grid already active")
	ErrNotActive      = errors.New("grid not active")
	ErrPriceDiscovery = errors.New("price discovery failed")
	ErrShuttingDown   = errors.New("engine is shutting down")
)
