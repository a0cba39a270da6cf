package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateInquiryClaimsRoomInOneTransaction(t *testing.T) {
	s := &DynamoDBStore{config: DynamoConfig{RoomsTable: "rooms", InquiriesTable: "inquiries"}}
	inquiry := &types.Inquiry{ID: "i1", RoomID: "r1", Status: types.InquiryReady, CreatedAt: time.Now()}

	input, err := s.createInquiryInput(inquiry)
	require.NoError(t, err)
	require.Len(t, input.TransactItems, 2)

	claim := input.TransactItems[0].Update
	require.NotNil(t, claim)
	assert.Equal(t, "rooms", aws.ToString(claim.TableName))
	assert.Equal(t, &dbtypes.AttributeValueMemberS{Value: "r1"}, claim.Key["ID"])
	assert.Contains(t, aws.ToString(claim.ConditionExpression), "attribute_not_exists")
	assert.Contains(t, aws.ToString(claim.ConditionExpression), "attribute_exists")
	assert.Contains(t, namesOf(claim.ExpressionAttributeNames), openInquiryAttr)

	put := input.TransactItems[1].Put
	require.NotNil(t, put)
	assert.Equal(t, "inquiries", aws.ToString(put.TableName))
	assert.Equal(t, &dbtypes.AttributeValueMemberS{Value: "i1"}, put.Item["ID"])
	assert.Contains(t, aws.ToString(put.ConditionExpression), "attribute_not_exists")
}

func TestIsConditionFailed(t *testing.T) {
	assert.True(t, isConditionFailed(&dbtypes.ConditionalCheckFailedException{}))
	assert.True(t, isConditionFailed(fmt.Errorf("wrapped: %w", &dbtypes.TransactionCanceledException{
		CancellationReasons: []dbtypes.CancellationReason{
			{Code: aws.String("None")},
			{Code: aws.String("ConditionalCheckFailed")},
		},
	})))
	assert.False(t, isConditionFailed(&dbtypes.TransactionCanceledException{
		CancellationReasons: []dbtypes.CancellationReason{{Code: aws.String("ThrottlingError")}},
	}))
	assert.False(t, isConditionFailed(errors.New("boom")))
}

func namesOf(names map[string]string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, n)
	}
	return out
}
