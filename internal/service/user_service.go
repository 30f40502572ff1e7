package service

import (
	"Parley/internal/api/dto"
	"Parley/internal/model"
	"Parley/internal/pkg/consts"
	"Parley/internal/pkg/redis"
	"Parley/internal/pkg/security"
	"Parley/internal/repository"
	"context"

	"github.com/jinzhu/copier"
)

// PresenceSource 在线状态查询入口，由实时子系统实现
type PresenceSource interface {
	StatusOf(userID uint64) string
	OnlineUserIDs() []uint64
}

type UserService interface {
	Register(ctx context.Context, req *dto.RegisterReq) (*dto.AuthResponse, error)
	Login(ctx context.Context, req *dto.LoginReq) (*dto.AuthResponse, error)
	Logout(ctx context.Context, token string) error
	GetUserInfo(ctx context.Context, id uint64) (*dto.UserDTO, error)
	ListUsers(ctx context.Context, keyword string) ([]*dto.UserDTO, error)
	GetOnlineUsers(ctx context.Context) ([]*dto.UserDTO, error)
}

type userServiceImpl struct {
	userRepo repository.UserRepo
	presence PresenceSource
}

func NewUserService(userRepo repository.UserRepo, presence PresenceSource) UserService {
	return &userServiceImpl{
		userRepo: userRepo,
		presence: presence,
	}
}

func (s *userServiceImpl) Register(ctx context.Context, req *dto.RegisterReq) (*dto.AuthResponse, error) {
	if existing, err := s.userRepo.GetUserByUsername(ctx, req.Username); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrUserUsernameExist
	}
	if existing, err := s.userRepo.GetUserByEmail(ctx, req.Email); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrUserEmailExist
	}

	passwordHash, err := security.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	user := &model.User{
		Username: req.Username,
		Email:    req.Email,
		Password: passwordHash,
	}
	if err := s.userRepo.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	return s.issueToken(user)
}

func (s *userServiceImpl) Login(ctx context.Context, req *dto.LoginReq) (*dto.AuthResponse, error) {
	user, err := s.userRepo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	if err := security.CheckPasswordHash(req.Password, user.Password); err != nil {
		return nil, ErrPasswordIncorrect
	}

	return s.issueToken(user)
}

// Logout 将 Token 签名加入黑名单，有效期与 Token 本身一致
func (s *userServiceImpl) Logout(ctx context.Context, token string) error {
	signature, err := security.ExtractSignature(token)
	if err != nil {
		return UnauthorizedError
	}
	return redis.SetWithExpiration(ctx, consts.TokenBlacklistKey+signature, "revoked", security.JWTExpirationTime)
}

func (s *userServiceImpl) GetUserInfo(ctx context.Context, id uint64) (*dto.UserDTO, error) {
	user, err := s.userRepo.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return s.toUserDTO(user)
}

func (s *userServiceImpl) ListUsers(ctx context.Context, keyword string) ([]*dto.UserDTO, error) {
	users, err := s.userRepo.SearchUsers(ctx, keyword)
	if err != nil {
		return nil, err
	}
	return s.toUserDTOs(users)
}

// GetOnlineUsers 以注册表为准返回当前在线用户
func (s *userServiceImpl) GetOnlineUsers(ctx context.Context) ([]*dto.UserDTO, error) {
	ids := s.presence.OnlineUserIDs()
	if len(ids) == 0 {
		return []*dto.UserDTO{}, nil
	}

	users, err := s.userRepo.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return s.toUserDTOs(users)
}

func (s *userServiceImpl) issueToken(user *model.User) (*dto.AuthResponse, error) {
	token, err := security.GenerateToken(user.ID)
	if err != nil {
		return nil, err
	}
	userDTO, err := s.toUserDTO(user)
	if err != nil {
		return nil, err
	}
	return &dto.AuthResponse{Token: token, User: userDTO}, nil
}

func (s *userServiceImpl) toUserDTO(user *model.User) (*dto.UserDTO, error) {
	userDTO := &dto.UserDTO{}
	if err := copier.Copy(userDTO, user); err != nil {
		return nil, err
	}
	userDTO.Status = s.presence.StatusOf(user.ID)
	return userDTO, nil
}

func (s *userServiceImpl) toUserDTOs(users []*model.User) ([]*dto.UserDTO, error) {
	res := make([]*dto.UserDTO, 0, len(users))
	for _, u := range users {
		d, err := s.toUserDTO(u)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, nil
}
