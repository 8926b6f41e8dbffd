package aws

import ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

// Configuration for instances

const (
	// The minimum of instances to launch. Necessary for the AWS SDK.
	minInstanceCount = 1

	// The type of instances we launch. TODO: move to the image catalog once
	// images advertise their own instance type.
	instanceType = ec2Types.InstanceTypeG4dn2xlarge

	// The value of the `name` tag on every instance we launch.
	instanceTag = "placement-service-instance"
)
