package server

import (
	"context"
	"log"
	"time"

	"bugline/internal/engine"
)

const purgeInterval = time.Hour

// startAuthPurger periodically drops expired sessions and revoked-token rows
// so the auth tables do not grow without bound.
func startAuthPurger(e engine.Engine) {
	go func() {
		ticker := time.NewTicker(purgeInterval)
		defer ticker.Stop()
		for {
			sessions, revoked, err := e.PurgeExpiredAuth(context.Background())
			if err != nil {
				log.Printf("purge: %v", err)
			} else if sessions+revoked > 0 {
				log.Printf("purge: removed %d expired sessions, %d expired revocations", sessions, revoked)
			}
			<-ticker.C
		}
	}()
}
