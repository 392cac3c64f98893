package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/iotdemo/core/csql"
	"github.com/relabs-tech/iotdemo/core/logger"
	"github.com/relabs-tech/iotdemo/core/middleware"
	kvregistry "github.com/relabs-tech/iotdemo/core/registry"
	"github.com/relabs-tech/iotdemo/iot/credentials"
	"github.com/relabs-tech/iotdemo/iot/mqtt"
	"github.com/relabs-tech/iotdemo/iot/registry"
	"github.com/relabs-tech/iotdemo/iot/routing"
	"github.com/relabs-tech/iotdemo/iot/twin"
)

// Service holds the configuration for this service
//
// use HUB_ENROLLMENTS="group:sensors:Z3JvdXAta2V5" and optionally
// POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	HostName       string `env:"HUB_HOST_NAME,default=localhost" description:"the host name devices are assigned to"`
	IDScope        string `env:"HUB_ID_SCOPE" description:"the id scope of the provisioning service, any scope is accepted if empty"`
	MQTTAddress    string `env:"HUB_MQTT_ADDRESS" description:"listen address of the broker, defaults to :8883 with TLS and :1883 without"`
	HTTPAddress    string `env:"HUB_HTTP_ADDRESS,default=:8080" description:"listen address of the REST APIs"`
	CertFile       string `env:"HUB_CERT_FILE" description:"X.509 certificate of the broker"`
	KeyFile        string `env:"HUB_KEY_FILE" description:"X.509 private key of the broker"`
	Enrollments    string `env:"HUB_ENROLLMENTS,required" description:"enrollments as individual:{id}:{key}[:disabled] or group:{name}:{key}, separated by ;"`
	AssigningPolls int    `env:"HUB_ASSIGNING_POLLS,default=1" description:"number of status queries answered with assigning"`
	RetryAfter     int    `env:"HUB_RETRY_AFTER,default=1" description:"Retry-After in seconds while assigning"`

	Postgres       string `env:"POSTGRES" description:"the connection string for the Postgres DB, twins are kept in memory if empty"`
	PostgresSchema string `env:"POSTGRES_SCHEMA,default=iot" description:"the database schema"`
	KafkaBrokers   string `env:"KAFKA_BROKERS" description:"comma separated kafka brokers, telemetry is only logged if empty"`
	KafkaTopic     string `env:"KAFKA_TOPIC,default=telemetry" description:"the kafka topic for telemetry"`

	LogLevel string `env:"LOG_LEVEL,default=info" description:"logrus log level"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(service.LogLevel))
	rlog := logger.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enrollments, err := registry.ParseEnrollments(service.Enrollments)
	if err != nil {
		rlog.WithError(err).Fatalln("invalid enrollments")
	}

	reg := registry.New()
	var store twin.Store = twin.NewMemoryStore()
	if service.Postgres != "" {
		db, err := csql.OpenWithSchema(service.Postgres, service.PostgresSchema)
		if err != nil {
			rlog.WithError(err).Fatalln("cannot open database")
		}
		defer db.Close()
		if store, err = twin.NewPostgresStore(db); err != nil {
			rlog.WithError(err).Fatalln("cannot create twin store")
		}
		kv, err := kvregistry.New(db)
		if err != nil {
			rlog.WithError(err).Fatalln("cannot create registry")
		}
		reg = registry.NewWithStore(kv.Accessor("device"))
	}
	for _, e := range enrollments {
		reg.AddEnrollment(e)
	}

	sink := routing.Multi{routing.NewLogSink()}
	if service.KafkaBrokers != "" {
		sink = append(sink, routing.NewKafkaSink(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic))
	}

	iotBroker, err := mqtt.NewBroker(&mqtt.Builder{
		HostName: service.HostName,
		Registry: reg,
		Store:    store,
		Sink:     sink,
		Address:  service.MQTTAddress,
		CertFile: service.CertFile,
		KeyFile:  service.KeyFile,
	})
	if err != nil {
		rlog.WithError(err).Fatalln("cannot start broker")
	}

	router := mux.NewRouter()
	middleware.Use(router)
	credentials.NewAPI(&credentials.Builder{
		Registry:       reg,
		Router:         router,
		HubHostName:    service.HostName,
		IDScope:        service.IDScope,
		AssigningPolls: service.AssigningPolls,
		RetryAfter:     service.RetryAfter,
	})
	twin.NewAPI(&twin.Builder{
		Store:     store,
		Router:    router,
		Publisher: iotBroker,
	})

	srv := &http.Server{
		Addr:              service.HTTPAddress,
		Handler:           handlers.RecoveryHandler()(handlers.LoggingHandler(rlog.Writer(), router)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		rlog.Infoln("listen on", service.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rlog.WithError(err).Errorln("http server")
			stop()
		}
	}()

	if err := iotBroker.Run(ctx); err != nil {
		rlog.WithError(err).Errorln("stopping broker")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
