package handler

import (
	"Parley/internal/api/dto"
	"Parley/internal/pkg/response"
	"Parley/internal/service"
	"strings"

	"github.com/gin-gonic/gin"
)

type UserHandler struct {
	userService service.UserService
}

func NewUserHandler(userService service.UserService) *UserHandler {
	return &UserHandler{userService: userService}
}

// Register 注册接口，成功后直接返回登录态
func (s *UserHandler) Register(c *gin.Context) {
	var req dto.RegisterReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, err)
		return
	}

	res, err := s.userService.Register(c, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// Login 登录接口
func (s *UserHandler) Login(c *gin.Context) {
	var req dto.LoginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, err)
		return
	}

	res, err := s.userService.Login(c, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// Logout 注销接口，Token 签名进入黑名单
func (s *UserHandler) Logout(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")

	if err := s.userService.Logout(c, token); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}

// Me 获取当前用户信息
func (s *UserHandler) Me(c *gin.Context) {
	userID := c.GetUint64("user_id")

	res, err := s.userService.GetUserInfo(c, userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// ListUsers 用户列表，支持用户名模糊搜索
func (s *UserHandler) ListUsers(c *gin.Context) {
	keyword := c.Query("search")

	res, err := s.userService.ListUsers(c, keyword)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// ListOnlineUsers 当前在线用户列表
func (s *UserHandler) ListOnlineUsers(c *gin.Context) {
	res, err := s.userService.GetOnlineUsers(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}
