package handlers

import (
	"github.com/schrodylab/schrody/internal/bot"
	"github.com/schrodylab/schrody/internal/config"
	"github.com/schrodylab/schrody/internal/store"
)

type Handler struct {
	Repo   *store.Repo
	Engine *bot.Engine
	Cfg    config.Config
}

func NewHandler(repo *store.Repo, engine *bot.Engine, cfg config.Config) *Handler {
	return &Handler{Repo: repo, Engine: engine, Cfg: cfg}
}
