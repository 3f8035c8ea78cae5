// Package cloud implements reconciler.SubnetSource against real cloud
// provider APIs, starting with AWS EC2 (§4.5). Azure/GCP sources can sit
// beside AWSSource in the same package once needed.
package cloud

import (
	"context"
	"fmt"
	"net/netip"

	"ipamcore/internal/application/reconciler"
	"ipamcore/internal/domain/ipam"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// ec2Client is the subset of *ec2.Client AWSSource depends on.
type ec2Client interface {
	DescribeVpcs(ctx context.Context, in *ec2.DescribeVpcsInput, opts ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	DescribeSubnets(ctx context.Context, in *ec2.DescribeSubnetsInput, opts ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
}

// AWSSource implements reconciler.SubnetSource against the EC2 API.
type AWSSource struct {
	client ec2Client
}

func NewAWSSource(client ec2Client) *AWSSource {
	return &AWSSource{client: client}
}

var _ reconciler.SubnetSource = (*AWSSource)(nil)

// DescribeVPC probes reachability: a VPC that EC2 no longer reports is
// unreachable for this cycle, so the reconciler preserves existing data.
func (s *AWSSource) DescribeVPC(ctx context.Context, vpc *ipam.VPC) error {
	out, err := s.client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		VpcIds: []string{vpc.ProviderVPCID},
	})
	if err != nil {
		return fmt.Errorf("cloud: describe VPC %s: %w", vpc.ProviderVPCID, err)
	}
	if len(out.Vpcs) == 0 {
		return fmt.Errorf("cloud: VPC %s not found", vpc.ProviderVPCID)
	}
	return nil
}

func (s *AWSSource) ListSubnets(ctx context.Context, vpc *ipam.VPC, pageSize, maxPerVPC int) ([]reconciler.CloudSubnet, error) {
	var out []reconciler.CloudSubnet
	var nextToken *string
	for {
		resp, err := s.client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
			Filters: []types.Filter{
				{Name: aws.String("vpc-id"), Values: []string{vpc.ProviderVPCID}},
			},
			MaxResults: aws.Int32(int32(pageSize)),
			NextToken:  nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("cloud: list subnets for VPC %s: %w", vpc.ProviderVPCID, err)
		}
		for _, sn := range resp.Subnets {
			if sn.CidrBlock == nil || sn.SubnetId == nil {
				continue
			}
			cidr, err := netip.ParsePrefix(*sn.CidrBlock)
			if err != nil {
				continue
			}
			az := ""
			if sn.AvailabilityZone != nil {
				az = *sn.AvailabilityZone
			}
			out = append(out, reconciler.CloudSubnet{
				NativeSubnetID:   *sn.SubnetId,
				CIDR:             cidr.Masked(),
				AvailabilityZone: az,
				State:            string(sn.State),
				Tags:             tagsFromEC2(sn.Tags),
			})
			if len(out) >= maxPerVPC {
				return out, nil
			}
		}
		if resp.NextToken == nil {
			break
		}
		nextToken = resp.NextToken
	}
	return out, nil
}

func tagsFromEC2(tags []types.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		if t.Key == nil || t.Value == nil {
			continue
		}
		out[*t.Key] = *t.Value
	}
	return out
}
