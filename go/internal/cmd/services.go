package main

import (
	"github.com/mcdev12/quizzo/go/internal/config"
	"github.com/mcdev12/quizzo/go/internal/room"
	"github.com/mcdev12/quizzo/go/internal/room/gateway"
	"github.com/mcdev12/quizzo/go/internal/store"
)

type Services struct {
	Rooms   *room.App
	Gateway *gateway.Service
}

func setupServices(st store.Store, cfg *config.Config) *Services {
	// store → room layer → gateway
	rooms := room.NewApp(st, nil, cfg.Room())
	return &Services{
		Rooms:   rooms,
		Gateway: gateway.NewService(rooms, cfg.Gateway()),
	}
}

// Close stops every session. The store is closed by the caller.
func (s *Services) Close() {
	s.Gateway.Stop()
	s.Rooms.Close()
}
