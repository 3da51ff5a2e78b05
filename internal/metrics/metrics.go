package metrics

import (
	"crypto/subtle"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func Register() promauto.Factory {
	return promauto.With(prometheus.DefaultRegisterer)
}

// Handler exposes the default registry, guarded by basic auth when user or
// pass is set.
func Handler(user, pass string, log *logrus.Logger) http.HandlerFunc {

	if user != "" || pass != "" {
		log.WithField("user", user).Infof("basic auth enabled for metrics endpoint")
	}

	return func(writer http.ResponseWriter, request *http.Request) {
		if user != "" || pass != "" {
			u, p, ok := request.BasicAuth()
			if !ok || u != user || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
				http.Error(writer, "Unauthorized.", http.StatusUnauthorized)
				return
			}
		}
		promhttp.Handler().ServeHTTP(writer, request)
	}
}
