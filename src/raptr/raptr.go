package raptr

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/raptrnet/raptr/src/bft"
	"github.com/raptrnet/raptr/src/config"
	"github.com/raptrnet/raptr/src/crypto"
	"github.com/raptrnet/raptr/src/crypto/keys"
	"github.com/raptrnet/raptr/src/dissem"
	"github.com/raptrnet/raptr/src/net"
	"github.com/raptrnet/raptr/src/node"
	"github.com/raptrnet/raptr/src/peers"
	"github.com/raptrnet/raptr/src/service"
	"github.com/sirupsen/logrus"
)

// Raptr is the top-level wrapper tying together the validator key, the peer
// set, the block store, the transport, the dissemination layer, the node,
// and the HTTP service.
type Raptr struct {
	Config       *config.Config
	Node         *node.Node
	Transport    net.Transport
	Store        bft.Store
	Peers        *peers.PeerSet
	Disseminator dissem.Disseminator
	Service      *service.Service

	validator *node.Validator
	logger    *logrus.Entry
}

// NewRaptr instantiates an uninitialised engine from a config object.
func NewRaptr(conf *config.Config) *Raptr {
	return &Raptr{
		Config: conf,
		logger: conf.Logger(),
	}
}

func (r *Raptr) initPeers() error {
	if r.Peers != nil {
		return nil
	}

	peerStore := peers.NewJSONPeers(r.Config.DataDir)

	participants, err := peerStore.PeerSet()
	if err != nil {
		return err
	}

	min := 3*r.Config.MaxByzantine + 1
	if participants.Len() < min {
		return fmt.Errorf("peers.json defines %d peers, need at least 3f+1 = %d",
			participants.Len(), min)
	}

	r.Peers = participants

	return nil
}

func (r *Raptr) initKey() error {
	if r.Config.Key == nil {
		pemKey := crypto.NewPemKey(r.Config.DataDir)

		privKey, err := pemKey.ReadKey()
		if err != nil {
			r.logger.Warn("Cannot read private key from file", err)

			privKey, err = Keygen(r.Config.DataDir)
			if err != nil {
				r.logger.Error("Cannot generate a new private key", err)
				return err
			}

			pem, _ := crypto.ToPemKey(privKey)
			r.logger.Info("Created a new key:", pem.PublicKey)
		}

		r.Config.Key = privKey
	}
	return nil
}

func (r *Raptr) initValidator() error {
	key := r.Config.Key

	pubHex := keys.PublicKeyHex(&key.PublicKey)

	var self *peers.Peer
	for _, p := range r.Peers.Peers {
		if p.PubKeyHex == pubHex {
			self = p
			break
		}
	}
	if self == nil {
		return fmt.Errorf("cannot find self pubkey in peers.json")
	}

	moniker := r.Config.Moniker
	if moniker == "" {
		moniker = self.Moniker
	}

	r.validator = node.NewValidator(key, moniker, self.ID)

	r.logger.WithFields(logrus.Fields{
		"id":      self.ID,
		"moniker": moniker,
	}).Debug("Validator")

	return nil
}

func (r *Raptr) initStore() error {
	if !r.Config.Store {
		r.Store = bft.NewInmemStore(r.Config.NSubBlocks)

		r.logger.Debug("created new in-mem store")
	} else {
		var err error

		r.logger.WithField("path", r.Config.DatabaseDir).Debug("Attempting to load or create database")

		r.Store, err = bft.NewBadgerStore(r.Config.NSubBlocks, r.Config.DatabaseDir)
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *Raptr) initTransport() error {
	transport, err := net.NewTCPTransport(
		r.Config.BindAddr,
		r.Config.AdvertiseAddr,
		r.Config.MaxPool,
		r.Config.TCPTimeout,
		r.logger,
	)
	if err != nil {
		return err
	}

	r.Transport = transport

	return nil
}

func (r *Raptr) initDisseminator() error {
	if r.Disseminator == nil {
		r.Disseminator = dissem.NewInmemDissem(
			r.validator.NodeID(),
			r.Config.NSubBlocks,
			r.logger.WithField("prefix", "dissem"),
		)
	}
	return nil
}

func (r *Raptr) initNode() error {
	r.Node = node.NewNode(
		r.Config,
		r.validator,
		r.Peers,
		r.Store,
		r.Transport,
		r.Disseminator,
	)

	return nil
}

func (r *Raptr) initService() error {
	if !r.Config.NoService && r.Config.ServiceAddr != "" {
		r.Service = service.NewService(r.Config.ServiceAddr, r.Node, r.logger)
	}
	return nil
}

// Init initialises all the engine's components in dependency order.
func (r *Raptr) Init() error {
	if err := r.initPeers(); err != nil {
		return err
	}
	if err := r.initKey(); err != nil {
		return err
	}
	if err := r.initValidator(); err != nil {
		return err
	}
	if err := r.initStore(); err != nil {
		return err
	}
	if err := r.initTransport(); err != nil {
		return err
	}
	if err := r.initDisseminator(); err != nil {
		return err
	}
	if err := r.initNode(); err != nil {
		return err
	}
	if err := r.initService(); err != nil {
		return err
	}

	return nil
}

// Run starts the service and the node's event loop. It blocks until the node
// shuts down.
func (r *Raptr) Run() error {
	if r.Service != nil {
		go r.Service.Serve()
	}

	if err := r.Node.Init(); err != nil {
		return fmt.Errorf("failed to initialize node: %s", err)
	}

	r.Node.Run()

	return nil
}

// Keygen generates a new key pair and stores it under datadir in PEM format.
// It refuses to overwrite an existing key.
func Keygen(datadir string) (*ecdsa.PrivateKey, error) {
	pemKey := crypto.NewPemKey(datadir)

	_, err := pemKey.ReadKey()
	if err == nil {
		return nil, fmt.Errorf("another key already lives under %s", datadir)
	}

	privKey, err := keys.GenerateECDSAKey()
	if err != nil {
		return nil, err
	}

	if err := pemKey.WriteKey(privKey); err != nil {
		return nil, err
	}

	return privKey, nil
}
