package dto

import "github.com/ecell-club/membership/internal/models"

type AdminAuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AdminAuthResponse struct {
	Token string       `json:"token"`
	Admin models.Admin `json:"admin"`
}

type VerifyPasswordRequest struct {
	Password string `json:"password"`
}

type StatusUpdateRequest struct {
	Status models.UserStatus `json:"status"`
}
