package service

import (
	"errors"
)

const (
	BadRequest          = 400
	Unauthorized        = 401
	Forbidden           = 403
	NotFound            = 404
	InternalServerError = 500
)

var (
	ErrParamInvalid      = errors.New("参数错误")
	ErrUserNotFound      = errors.New("用户不存在")
	ErrUserUsernameExist = errors.New("用户名已存在")
	ErrUserEmailExist    = errors.New("邮箱已注册")
	ErrPasswordIncorrect = errors.New("密码错误")
	ErrMessageEmpty      = errors.New("消息内容不能为空")
	ErrMessageNotFound   = errors.New("消息不存在")
	ErrNotReceiver       = errors.New("仅消息接收方可标记已读")
	ErrTargetUserInvalid = errors.New("目标用户无效")
	ErrConversation      = errors.New("会话异常")
	UnauthorizedError    = errors.New("权限不足")
	UnExpectedError      = errors.New("系统异常，请稍后重试")
)

var ErrorMap = map[error]int{
	ErrParamInvalid:      BadRequest,
	ErrUserNotFound:      NotFound,
	ErrUserUsernameExist: BadRequest,
	ErrUserEmailExist:    BadRequest,
	ErrPasswordIncorrect: Unauthorized,
	ErrMessageEmpty:      BadRequest,
	ErrMessageNotFound:   NotFound,
	ErrNotReceiver:       Forbidden,
	ErrTargetUserInvalid: BadRequest,
	ErrConversation:      BadRequest,
	UnauthorizedError:    Unauthorized,
	UnExpectedError:      InternalServerError,
}
