package echo

import (
	"context"

	log "github.com/sirupsen/logrus"
)

type Svc struct{}

func (s *Svc) Echo(_ context.Context, message string) (string, error) {
	log.Infof("Echoing message %s", message)
	return message, nil
}

func NewSvc() *Svc {
	return &Svc{}
}
