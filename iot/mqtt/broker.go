// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package mqtt

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/iotdemo/core/logger"
	"github.com/relabs-tech/iotdemo/iot/registry"
	"github.com/relabs-tech/iotdemo/iot/routing"
	"github.com/relabs-tech/iotdemo/iot/twin"
)

// Broker is a MQTT broker for IoT.
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker
type Builder struct {
	// HostName is the host name devices use in user name and signature. This is mandatory.
	HostName string
	// Registry holds the registered devices. This is mandatory.
	Registry *registry.Registry
	// Store keeps the device twins. This is mandatory.
	Store twin.Store
	// Sink receives device telemetry. This is mandatory.
	Sink routing.Sink
	// Address is the listen address. Defaults to :8883 with TLS and :1883 without.
	Address string
	// CertFile is the file path to the X.509 certificate file. TLS is used if
	// CertFile and KeyFile are set.
	CertFile string
	// KeyFile is the file path to the X.509 private key file.
	KeyFile string
}

// plugin is the plugin for GMQTT
type plugin struct {
	ln      net.Listener
	service gmqtt.Server
	h       *handler
	log     *logrus.Entry
}

// NewBroker returns a new broker which already listens on its address. The broker will not
// actually serve until you call Run()
func NewBroker(bb *Builder) (*Broker, error) {
	if bb.HostName == "" {
		panic("host name missing")
	}
	if bb.Registry == nil {
		panic("Registry is missing")
	}
	if bb.Store == nil {
		panic("Store is missing")
	}
	if bb.Sink == nil {
		panic("Sink is missing")
	}

	var ln net.Listener
	if bb.CertFile != "" && bb.KeyFile != "" {
		crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
		if err != nil {
			return nil, err
		}
		address := bb.Address
		if address == "" {
			address = ":8883"
		}
		ln, err = tls.Listen("tcp", address, &tls.Config{
			Certificates: []tls.Certificate{crt},
			MinVersion:   tls.VersionTLS12,
		})
		if err != nil {
			return nil, err
		}
	} else {
		address := bb.Address
		if address == "" {
			address = ":1883"
		}
		var err error
		if ln, err = net.Listen("tcp", address); err != nil {
			return nil, err
		}
	}

	return &Broker{
		p: &plugin{
			ln: ln,
			h: &handler{
				hostName: bb.HostName,
				registry: bb.Registry,
				store:    bb.Store,
				sink:     bb.Sink,
				now:      time.Now,
			},
			log: logger.Default().WithField("component", "broker"),
		},
	}, nil
}

// Addr returns the listen address
func (b *Broker) Addr() net.Addr {
	return b.p.ln.Addr()
}

// Run is blocking and runs the server until ctx is done
func (b *Broker) Run(ctx context.Context) error {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	b.p.log.Infof("listening on %s", b.p.ln.Addr())
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Stop(stopCtx)
	b.p.log.Infoln("stopped")
	return err
}

// PublishMessageQ1 publishes an MQTT messsage with quality level 1
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	b.p.publish(topic, payload, packets.QOS_1)
}

func (p *plugin) publish(topic string, payload []byte, qos uint8) {
	if p.service == nil {
		p.log.Warnf("not running, dropping message on %s", topic)
		return
	}
	p.log.Debugf("publish on %s (%d bytes)", topic, len(payload))
	p.service.PublishService().Publish(gmqtt.NewMessage(topic, payload, qos))
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return p.h.sink.Close()
}

// Name implements plugin interface
func (p *plugin) Name() string { return "iotdemo hub" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// OnConnectWrapper authenticates devices with their shared access signature
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		options := client.OptionsReader()
		deviceID := options.ClientID()
		if err := p.h.authenticate(deviceID, options.Username(), options.Password()); err != nil {
			p.log.WithError(err).Warnf("connect denied for %s", deviceID)
			return packets.CodeNotAuthorized
		}
		p.log.Infof("connect %s", deviceID)
		return connect(ctx, client)
	}
}

// OnMsgArrivedWrapper handles twin requests and routes telemetry
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		ctx, _ = logger.ContextWithLoggerDevice(ctx, client.OptionsReader().ClientID())
		replies, pass := p.h.handle(ctx, client.OptionsReader().ClientID(), msg.Topic(), msg.Payload())
		for _, r := range replies {
			p.publish(r.topic, r.payload, packets.QOS_0)
		}
		if !pass {
			return false
		}
		return arrived(ctx, client, msg)
	}
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		if !p.h.allowSubscribe(topic.Name) {
			p.log.Warnf("subscribe %s to %s denied", client.OptionsReader().ClientID(), topic.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}
