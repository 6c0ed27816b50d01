// Package route53 implements the directory.Directory contract (see
// ring.Directory) on top of AWS Route53 SRV records instead of a UDP
// directory server, for deployments where nodes only share a DNS zone
// and no reachable directory daemon (SPEC_FULL.md §4.8).
//
// Each ring member is published as an SRV record named
// "<node-id>.<ring-id>.<domain-suffix>", priority and weight fixed at 0
// the way the teacher's bootstrap registrar does for its DHT nodes.
package route53

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"

	"ringd/internal/ringproto"
)

// Directory publishes and discovers ring membership as Route53 SRV
// records under a single hosted zone.
type Directory struct {
	client       *route53.Client
	hostedZoneID string
	domainSuffix string
	ttl          int64
	// ctxTimeout bounds every AWS API call; Directory's methods don't
	// take a context (ring.Directory doesn't carry one), so a fixed
	// per-call timeout substitutes for a caller-supplied one.
	ctxTimeout time.Duration
}

// New loads the default AWS credential chain and returns a Directory
// that manages records in hostedZoneID under domainSuffix.
func New(ctx context.Context, hostedZoneID, domainSuffix string, ttl int64) (*Directory, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("route53 directory: load AWS config: %w", err)
	}
	return &Directory{
		client:       route53.NewFromConfig(awsCfg),
		hostedZoneID: hostedZoneID,
		domainSuffix: strings.TrimSuffix(domainSuffix, "."),
		ttl:          ttl,
		ctxTimeout:   10 * time.Second,
	}, nil
}

func (d *Directory) recordName(ringID string, nodeID int) string {
	return fmt.Sprintf("%d.%s.%s.", nodeID, ringID, d.domainSuffix)
}

// Register upserts self's SRV record under the ring's subdomain.
func (d *Directory) Register(ringID string, self ringproto.Identity) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.ctxTimeout)
	defer cancel()

	input := &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(d.hostedZoneID),
		ChangeBatch: &types.ChangeBatch{
			Changes: []types.Change{{
				Action: types.ChangeActionUpsert,
				ResourceRecordSet: &types.ResourceRecordSet{
					Name: aws.String(d.recordName(ringID, self.ID)),
					Type: types.RRTypeSrv,
					TTL:  aws.Int64(d.ttl),
					ResourceRecords: []types.ResourceRecord{{
						Value: aws.String(fmt.Sprintf("0 0 %s %s.", self.Port, self.IP)),
					}},
				},
			}},
		},
	}
	_, err := d.client.ChangeResourceRecordSets(ctx, input)
	if err != nil {
		return fmt.Errorf("route53 directory: register %s: %w", d.recordName(ringID, self.ID), err)
	}
	return nil
}

// Deregister removes selfID's SRV record from the ring's subdomain.
// Route53 requires the exact prior record value to delete it, so this
// re-resolves the record first rather than trusting a cached copy.
func (d *Directory) Deregister(ringID string, selfID int) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.ctxTimeout)
	defer cancel()

	name := d.recordName(ringID, selfID)
	value, err := d.currentValue(ctx, name)
	if err != nil {
		return fmt.Errorf("route53 directory: deregister %s: %w", name, err)
	}
	if value == "" {
		return nil
	}

	input := &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(d.hostedZoneID),
		ChangeBatch: &types.ChangeBatch{
			Changes: []types.Change{{
				Action: types.ChangeActionDelete,
				ResourceRecordSet: &types.ResourceRecordSet{
					Name: aws.String(name),
					Type: types.RRTypeSrv,
					TTL:  aws.Int64(d.ttl),
					ResourceRecords: []types.ResourceRecord{{
						Value: aws.String(value),
					}},
				},
			}},
		},
	}
	_, err = d.client.ChangeResourceRecordSets(ctx, input)
	if err != nil {
		return fmt.Errorf("route53 directory: delete %s: %w", name, err)
	}
	return nil
}

// QueryNodes lists every SRV record under ring's subdomain, mirroring
// the wire directory's NODES query. It has no timeout-vs-fatal
// distinction to make since Route53 errors are always returned, never
// left to a UDP read deadline.
func (d *Directory) QueryNodes(ringID string, selfID int, chordMode bool, alreadyConnected func(id int) bool) ([]ringproto.Identity, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.ctxTimeout)
	defer cancel()

	suffix := fmt.Sprintf(".%s.%s", ringID, d.domainSuffix)
	input := &route53.ListResourceRecordSetsInput{HostedZoneId: aws.String(d.hostedZoneID)}
	paginator := route53.NewListResourceRecordSetsPaginator(d.client, input)

	var nodes []ringproto.Identity
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("route53 directory: list records: %w", err)
		}
		for _, rrset := range page.ResourceRecordSets {
			if rrset.Type != types.RRTypeSrv {
				continue
			}
			name := strings.TrimSuffix(*rrset.Name, ".")
			if !strings.HasSuffix(name, strings.TrimSuffix(suffix, ".")) {
				continue
			}
			label := name[:len(name)-len(strings.TrimSuffix(suffix, "."))]
			id, err := strconv.Atoi(label)
			if err != nil {
				continue
			}
			for _, rr := range rrset.ResourceRecords {
				var prio, weight, port int
				var target string
				if _, err := fmt.Sscanf(*rr.Value, "%d %d %d %s", &prio, &weight, &port, &target); err != nil {
					continue
				}
				target = strings.TrimSuffix(target, ".")
				ips, err := net.LookupHost(target)
				if err != nil || len(ips) == 0 {
					continue
				}
				nodes = append(nodes, ringproto.Identity{ID: id, IP: ips[0], Port: strconv.Itoa(port)})
			}
		}
	}

	if !chordMode {
		return nodes, nil
	}
	filtered := nodes[:0]
	for _, n := range nodes {
		if n.ID == selfID || alreadyConnected(n.ID) {
			continue
		}
		filtered = append(filtered, n)
	}
	return filtered, nil
}

// currentValue returns the SRV record's current value string for name,
// or "" if no such record exists.
func (d *Directory) currentValue(ctx context.Context, name string) (string, error) {
	input := &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(d.hostedZoneID),
		StartRecordName: aws.String(name),
		StartRecordType: types.RRTypeSrv,
		MaxItems:        aws.Int32(1),
	}
	out, err := d.client.ListResourceRecordSets(ctx, input)
	if err != nil {
		return "", err
	}
	for _, rrset := range out.ResourceRecordSets {
		if strings.TrimSuffix(*rrset.Name, ".") == strings.TrimSuffix(name, ".") && rrset.Type == types.RRTypeSrv {
			if len(rrset.ResourceRecords) > 0 {
				return *rrset.ResourceRecords[0].Value, nil
			}
		}
	}
	return "", nil
}
