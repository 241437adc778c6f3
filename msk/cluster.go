// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package msk provides a [github.com/aws/go-kafka-stateful-streams/streams.Cluster] for Amazon MSK.
Bootstrap brokers are discovered through the MSK API, and SASL/IAM or SASL/SCRAM authentication is configured
to match the listener selected by the AuthType.
*/
package msk

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kafka"
	"github.com/twmb/franz-go/pkg/kgo"
	kaws "github.com/twmb/franz-go/pkg/sasl/aws"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

type MskClient interface {
	ListClusters(context.Context, *kafka.ListClustersInput, ...func(*kafka.Options)) (*kafka.ListClustersOutput, error)
	GetBootstrapBrokers(context.Context, *kafka.GetBootstrapBrokersInput, ...func(*kafka.Options)) (*kafka.GetBootstrapBrokersOutput, error)
}

type AuthType int

const (
	None AuthType = iota
	MutualTLS
	SaslScram
	SaslIam
	PublicMutualTLS
	PublicSaslScram
	PublicSaslIam
)

var authTypeNames = map[string]AuthType{
	"none":         None,
	"tls":          MutualTLS,
	"scram":        SaslScram,
	"iam":          SaslIam,
	"public_tls":   PublicMutualTLS,
	"public_scram": PublicSaslScram,
	"public_iam":   PublicSaslIam,
}

// ParseAuthType accepts none, tls, scram, iam and their public_ variants.
func ParseAuthType(s string) (AuthType, error) {
	if s == "" {
		return None, nil
	}
	if at, ok := authTypeNames[strings.ToLower(s)]; ok {
		return at, nil
	}
	return None, fmt.Errorf("unknown msk auth type: %q", s)
}

func (at AuthType) String() string {
	for name, v := range authTypeNames {
		if v == at {
			return name
		}
	}
	return fmt.Sprintf("AuthType(%d)", int(at))
}

// DiscoveryTimeout bounds the MSK API calls made by Config.
const DiscoveryTimeout = 30 * time.Second

// MskCluster implements streams.Cluster. Discovered brokers are cached after the first successful Config call.
type MskCluster struct {
	clusterName   string
	client        MskClient
	authType      AuthType
	tlsConfig     *tls.Config
	awsConfig     aws.Config
	scram         scram.Auth
	clientOptions []kgo.Opt

	mu      sync.Mutex
	brokers []string
}

// DefaultClientConfig loads the default AWS config with `region` as the fallback region.
func DefaultClientConfig(ctx context.Context, region string) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx, config.WithDefaultRegion(region))
}

// NewMskCluster uses DefaultClientConfig. The IAM role needs kafka:ListClusters and kafka:GetBootstrapBrokers.
func NewMskCluster(ctx context.Context, clusterName string, authType AuthType, region string, optFns ...func(*kafka.Options)) (*MskCluster, error) {
	cfg, err := DefaultClientConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	return NewMskClusterWithClientConfig(clusterName, authType, cfg, optFns...), nil
}

func NewMskClusterWithClientConfig(clusterName string, authType AuthType, awsConfig aws.Config, optFns ...func(*kafka.Options)) *MskCluster {
	return &MskCluster{
		clusterName: clusterName,
		authType:    authType,
		awsConfig:   awsConfig,
		client:      kafka.NewFromConfig(awsConfig, optFns...),
	}
}

// WithTlsConfig is mostly useful for MutualTLS. For anything beyond the certificate use WithClientOptions.
func (c *MskCluster) WithTlsConfig(tlsConfig *tls.Config) *MskCluster {
	c.tlsConfig = tlsConfig
	return c
}

// WithClientOptions replaces any previously supplied options. They are applied last and win over the ones set by MskCluster.
func (c *MskCluster) WithClientOptions(opts ...kgo.Opt) *MskCluster {
	c.clientOptions = opts
	return c
}

// WithScramUserPass sets the credentials for SaslScram/PublicSaslScram. Credentials are not rotated.
func (c *MskCluster) WithScramUserPass(user, pass string) *MskCluster {
	c.scram = scram.Auth{
		User: user,
		Pass: pass,
	}
	return c
}

// Config implements streams.Cluster.
func (c *MskCluster) Config() ([]kgo.Opt, error) {
	brokers, err := c.bootstrapBrokers()
	if err != nil {
		return nil, err
	}
	opts := []kgo.Opt{kgo.SeedBrokers(brokers...)}
	tlsConfig := c.tlsConfig
	if tlsConfig == nil && c.authType != None {
		// every authenticated MSK listener is TLS
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if tlsConfig != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsConfig))
	}
	switch c.authType {
	case SaslIam, PublicSaslIam:
		opts = append(opts, kgo.SASL(kaws.ManagedStreamingIAM(c.saslIamAuth)))
	case SaslScram, PublicSaslScram:
		// MSK only supports SHA512
		opts = append(opts, kgo.SASL(c.scram.AsSha512Mechanism()))
	}
	return append(opts, c.clientOptions...), nil
}

// Credentials are retrieved on every authentication, so expiring sessions are refreshed.
func (c *MskCluster) saslIamAuth(ctx context.Context) (kaws.Auth, error) {
	if c.awsConfig.Credentials == nil {
		return kaws.Auth{}, errors.New("no aws credentials provider configured")
	}
	creds, err := c.awsConfig.Credentials.Retrieve(ctx)
	if err != nil {
		return kaws.Auth{}, err
	}
	return kaws.Auth{
		AccessKey:    creds.AccessKeyID,
		SecretKey:    creds.SecretAccessKey,
		SessionToken: creds.SessionToken,
	}, nil
}

func (c *MskCluster) bootstrapBrokers() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.brokers) > 0 {
		return c.brokers, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), DiscoveryTimeout)
	defer cancel()
	arn, err := c.clusterArn(ctx)
	if err != nil {
		return nil, err
	}
	res, err := c.client.GetBootstrapBrokers(ctx, &kafka.GetBootstrapBrokersInput{
		ClusterArn: aws.String(arn),
	})
	if err != nil {
		return nil, err
	}
	var bootstrap *string
	switch c.authType {
	case None:
		bootstrap = res.BootstrapBrokerString
	case MutualTLS:
		bootstrap = res.BootstrapBrokerStringTls
	case SaslScram:
		bootstrap = res.BootstrapBrokerStringSaslScram
	case SaslIam:
		bootstrap = res.BootstrapBrokerStringSaslIam
	case PublicMutualTLS:
		bootstrap = res.BootstrapBrokerStringPublicTls
	case PublicSaslScram:
		bootstrap = res.BootstrapBrokerStringPublicSaslScram
	case PublicSaslIam:
		bootstrap = res.BootstrapBrokerStringPublicSaslIam
	}
	if bootstrap == nil || *bootstrap == "" {
		return nil, fmt.Errorf("cluster %s has no %v bootstrap brokers", c.clusterName, c.authType)
	}
	c.brokers = strings.Split(*bootstrap, ",")
	return c.brokers, nil
}

func (c *MskCluster) clusterArn(ctx context.Context) (string, error) {
	res, err := c.client.ListClusters(ctx, &kafka.ListClustersInput{
		ClusterNameFilter: aws.String(c.clusterName),
	})
	if err != nil {
		return "", err
	}
	for _, ci := range res.ClusterInfoList {
		// the filter is a prefix match
		if ci.ClusterName != nil && *ci.ClusterName == c.clusterName && ci.ClusterArn != nil {
			return *ci.ClusterArn, nil
		}
	}
	return "", fmt.Errorf("cluster not found: %s", c.clusterName)
}
