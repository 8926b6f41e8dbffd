// Package aws implements the hosts.HostHandler interface on EC2.
package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/whisthq/whist/backend/placement-service/dbclient"
	"github.com/whisthq/whist/backend/placement-service/hosts"
	"github.com/whisthq/whist/backend/placement-service/types"
	"github.com/whisthq/whist/backend/placement-service/utils"
	logger "github.com/whisthq/whist/backend/placement-service/whistlogger"
)

// AWSHost implements hosts.HostHandler for one EC2 region.
type AWSHost struct {
	region string
	config aws.Config
	EC2    *ec2.Client
}

// Initialize starts the AWS and EC2 clients.
func (host *AWSHost) Initialize(region string) error {
	cfg, err := awsConfig.LoadDefaultConfig(context.Background(), awsConfig.WithRegion(region))
	if err != nil {
		return utils.MakeError("unable to load AWS SDK config: %s", err)
	}

	host.region = region
	host.config = cfg
	host.EC2 = ec2.NewFromConfig(cfg)

	return nil
}

// Region returns the region this handler was initialized on.
func (host *AWSHost) Region() string {
	return host.region
}

// cloudError classifies provider failures: server-side and transport faults
// wrap hosts.ErrCloudUnavailable so callers know a retry might help.
func cloudError(action string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient {
		return utils.MakeError("%s failed: %s", action, err)
	}
	return fmt.Errorf("%w: %s failed: %s", hosts.ErrCloudUnavailable, action, err)
}

// SpinUpInstances launches numInstances instances with the received image
// without blocking on them booting.
func (host *AWSHost) SpinUpInstances(ctx context.Context, numInstances int32, imageID types.ImageID) ([]dbclient.Instance, error) {
	input := &ec2.RunInstancesInput{
		MinCount:                          aws.Int32(minInstanceCount),
		MaxCount:                          aws.Int32(numInstances),
		ImageId:                           aws.String(string(imageID)),
		InstanceInitiatedShutdownBehavior: ec2Types.ShutdownBehaviorTerminate,
		InstanceType:                      instanceType,
		TagSpecifications: []ec2Types.TagSpecification{
			{
				ResourceType: ec2Types.ResourceTypeInstance,
				Tags: []ec2Types.Tag{
					{
						Key:   aws.String("name"),
						Value: aws.String(instanceTag),
					},
				},
			},
		},
	}

	result, err := host.EC2.RunInstances(ctx, input)
	if err != nil {
		return nil, cloudError("launching instances", err)
	}

	var created []dbclient.Instance
	for _, outputInstance := range result.Instances {
		created = append(created, dbclient.Instance{
			ID:       types.InstanceID(aws.ToString(outputInstance.InstanceId)),
			Provider: "AWS",
			Region:   host.region,
			ImageID:  imageID,
			Type:     string(outputInstance.InstanceType),
			Status:   dbclient.InstanceStatusPreConnection,
		})
	}

	logger.Infow(utils.Sprintf("Launched %d instances of image %s on %s", len(created), imageID, host.region),
		[]interface{}{"region", host.region, "image_id", imageID})

	if len(created) != int(numInstances) {
		return created, utils.MakeError("requested %d instances of image %s but only %d launched", numInstances, imageID, len(created))
	}
	return created, nil
}

// SpinDownInstances requests termination of the given instances without
// waiting for it to complete.
func (host *AWSHost) SpinDownInstances(ctx context.Context, instanceIDs []types.InstanceID) error {
	if len(instanceIDs) == 0 {
		return nil
	}

	terminateInput := &ec2.TerminateInstancesInput{
		InstanceIds: rawIDs(instanceIDs),
	}
	terminateOutput, err := host.EC2.TerminateInstances(ctx, terminateInput)
	if err != nil {
		return cloudError("terminating instances", err)
	}

	if len(terminateOutput.TerminatingInstances) != len(instanceIDs) {
		return utils.MakeError("requested termination of %d instances but only %d are terminating",
			len(instanceIDs), len(terminateOutput.TerminatingInstances))
	}
	return nil
}

// WaitUntilRunning blocks until the given instances are running on AWS,
// bounded by the context deadline.
func (host *AWSHost) WaitUntilRunning(ctx context.Context, instanceIDs []types.InstanceID) error {
	waiter := ec2.NewInstanceRunningWaiter(host.EC2)

	waitParams := &ec2.DescribeInstancesInput{
		InstanceIds: rawIDs(instanceIDs),
	}

	maxWait := 5 * time.Minute
	if deadline, ok := ctx.Deadline(); ok {
		maxWait = time.Until(deadline)
	}

	if err := waiter.Wait(ctx, waitParams, maxWait); err != nil {
		return cloudError("waiting for instances to run", err)
	}
	return nil
}

// GetInstanceIPs fetches the public IP addresses of the given instances.
func (host *AWSHost) GetInstanceIPs(ctx context.Context, instanceIDs []types.InstanceID) (map[types.InstanceID]string, error) {
	output, err := host.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: rawIDs(instanceIDs),
	})
	if err != nil {
		return nil, cloudError("describing instances", err)
	}

	ips := make(map[types.InstanceID]string, len(instanceIDs))
	for _, reservation := range output.Reservations {
		for _, instance := range reservation.Instances {
			if instance.PublicIpAddress == nil {
				continue
			}
			ips[types.InstanceID(aws.ToString(instance.InstanceId))] = aws.ToString(instance.PublicIpAddress)
		}
	}
	return ips, nil
}

func rawIDs(instanceIDs []types.InstanceID) []string {
	raw := make([]string, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		raw = append(raw, string(id))
	}
	return raw
}
