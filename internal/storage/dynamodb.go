package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/rs/zerolog"
)

// DynamoDBStore implements Store using AWS DynamoDB. Status transitions are
// UpdateItem calls guarded by condition expressions on the current status.
type DynamoDBStore struct {
	client *dynamodb.Client
	config DynamoConfig
	logger zerolog.Logger
}

type contactItem struct {
	Period       string `dynamodbav:"Period"`
	VisitorToken string `dynamodbav:"VisitorToken"`
}

// NewDynamoDBStore creates a new DynamoDB store
func NewDynamoDBStore(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (*DynamoDBStore, error) {
	var client *dynamodb.Client

	if cfg.Mode == DynamoModeLocal {
		// For local mode, build the client directly without LoadDefaultConfig.
		// LoadDefaultConfig queries the EC2 IMDS endpoint which hangs on EC2
		// instances when static credentials are intended.
		client = dynamodb.New(dynamodb.Options{
			Region:       cfg.Region,
			BaseEndpoint: aws.String(cfg.Endpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}

	store := &DynamoDBStore{
		client: client,
		config: cfg,
		logger: logger,
	}

	// Create tables in local mode
	if cfg.Mode == DynamoModeLocal {
		if err := CreateTablesIfNotExist(ctx, client, cfg, logger); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("region", cfg.Region).
		Msg("DynamoDB store initialized")

	return store, nil
}

func (s *DynamoDBStore) Close() error { return nil }

func stringKey(name, value string) map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{name: &dbtypes.AttributeValueMemberS{Value: value}}
}

func (s *DynamoDBStore) put(ctx context.Context, table string, item any, cond *expression.ConditionBuilder) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      av,
	}
	if cond != nil {
		expr, err := expression.NewBuilder().WithCondition(*cond).Build()
		if err != nil {
			return fmt.Errorf("failed to build expression: %w", err)
		}
		input.ConditionExpression = expr.Condition()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	if _, err := s.client.PutItem(ctx, input); err != nil {
		if isConditionFailed(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to put item into %s: %w", table, err)
	}
	return nil
}

func (s *DynamoDBStore) get(ctx context.Context, table string, key map[string]dbtypes.AttributeValue, out any, notFound error) error {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to get item from %s: %w", table, err)
	}
	if result.Item == nil {
		return notFound
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return nil
}

// update applies a conditional UpdateItem. A failed condition is reported as
// notFound when the item is missing and ErrConflict otherwise.
func (s *DynamoDBStore) update(ctx context.Context, table string, key map[string]dbtypes.AttributeValue, pk string, upd expression.UpdateBuilder, cond expression.ConditionBuilder, out any, notFound error) error {
	cond = expression.Name(pk).AttributeExists().And(cond)
	expr, err := expression.NewBuilder().WithUpdate(upd).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(table),
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              dbtypes.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return s.conflictOr(ctx, table, key, notFound)
		}
		return fmt.Errorf("failed to update item in %s: %w", table, err)
	}

	if out != nil {
		if err := attributevalue.UnmarshalMap(result.Attributes, out); err != nil {
			return fmt.Errorf("failed to unmarshal item: %w", err)
		}
	}
	return nil
}

func (s *DynamoDBStore) conflictOr(ctx context.Context, table string, key map[string]dbtypes.AttributeValue, notFound error) error {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err == nil && result.Item == nil {
		return notFound
	}
	return ErrConflict
}

func isConditionFailed(err error) bool {
	var ccf *dbtypes.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *dbtypes.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, reason := range tce.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

// scan runs a filtered scan over a whole table. A GSI would be cheaper for
// the hot paths; the scan keeps table setup to primary keys only.
func (s *DynamoDBStore) scan(ctx context.Context, table string, filter expression.ConditionBuilder, out any) error {
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(table),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	})

	var items []map[string]dbtypes.AttributeValue
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", table, err)
		}
		items = append(items, page.Items...)
	}

	if err := attributevalue.UnmarshalListOfMaps(items, out); err != nil {
		return fmt.Errorf("failed to unmarshal items: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) CreateRoom(ctx context.Context, room *types.Room) error {
	cond := expression.Name("ID").AttributeNotExists()
	return s.put(ctx, s.config.RoomsTable, room, &cond)
}

func (s *DynamoDBStore) GetRoom(ctx context.Context, id string) (*types.Room, error) {
	var room types.Room
	if err := s.get(ctx, s.config.RoomsTable, stringKey("ID", id), &room, ErrRoomNotFound); err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *DynamoDBStore) FindOpenRoomByVisitor(ctx context.Context, token string) (*types.Room, error) {
	filter := expression.Name("Open").Equal(expression.Value(true)).
		And(expression.Name("Visitor.Token").Equal(expression.Value(token)))

	var rooms []types.Room
	if err := s.scan(ctx, s.config.RoomsTable, filter, &rooms); err != nil {
		return nil, err
	}
	if len(rooms) == 0 {
		return nil, ErrRoomNotFound
	}
	return &rooms[0], nil
}

func (s *DynamoDBStore) FindOpenRoomsByDepartment(ctx context.Context, department string) ([]types.Room, error) {
	filter := expression.Name("Open").Equal(expression.Value(true)).
		And(expression.Name("Department").Equal(expression.Value(department)))

	var rooms []types.Room
	if err := s.scan(ctx, s.config.RoomsTable, filter, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (s *DynamoDBStore) SetServedBy(ctx context.Context, roomID string, agent types.SelectedAgent) (*types.Room, error) {
	unserved := expression.Or(
		expression.Name("ServedBy").AttributeNotExists(),
		expression.Name("ServedBy").AttributeType(expression.Null),
		expression.Name("ServedBy.AgentID").Equal(expression.Value(agent.AgentID)),
	)
	cond := expression.Name("Open").Equal(expression.Value(true)).And(unserved)
	upd := expression.Set(expression.Name("ServedBy"), expression.Value(agent))

	var room types.Room
	if err := s.update(ctx, s.config.RoomsTable, stringKey("ID", roomID), "ID", upd, cond, &room, ErrRoomNotFound); err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *DynamoDBStore) ChangeServedBy(ctx context.Context, roomID, fromAgentID string, to types.SelectedAgent) (*types.Room, error) {
	cond := expression.Name("Open").Equal(expression.Value(true)).
		And(expression.Name("ServedBy.AgentID").Equal(expression.Value(fromAgentID)))
	upd := expression.Set(expression.Name("ServedBy"), expression.Value(to))

	var room types.Room
	if err := s.update(ctx, s.config.RoomsTable, stringKey("ID", roomID), "ID", upd, cond, &room, ErrRoomNotFound); err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *DynamoDBStore) CloseRoom(ctx context.Context, roomID, closedBy string, at time.Time) (*types.Room, error) {
	cond := expression.Name("Open").Equal(expression.Value(true))
	upd := expression.Set(expression.Name("Open"), expression.Value(false)).
		Set(expression.Name("ClosedAt"), expression.Value(at)).
		Set(expression.Name("ClosedBy"), expression.Value(closedBy))

	var room types.Room
	if err := s.update(ctx, s.config.RoomsTable, stringKey("ID", roomID), "ID", upd, cond, &room, ErrRoomNotFound); err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *DynamoDBStore) ReopenRoom(ctx context.Context, roomID string) (*types.Room, error) {
	cond := expression.Name("Open").Equal(expression.Value(false))
	upd := expression.Set(expression.Name("Open"), expression.Value(true)).
		Set(expression.Name("ClosedBy"), expression.Value("")).
		Remove(expression.Name("ClosedAt")).
		Remove(expression.Name("ServedBy"))

	var room types.Room
	if err := s.update(ctx, s.config.RoomsTable, stringKey("ID", roomID), "ID", upd, cond, &room, ErrRoomNotFound); err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *DynamoDBStore) SetVerificationStatus(ctx context.Context, roomID string, status types.VerificationStatus) error {
	upd := expression.Set(expression.Name("Verification.Status"), expression.Value(status))
	cond := expression.Name("Verification").AttributeExists()
	return s.update(ctx, s.config.RoomsTable, stringKey("ID", roomID), "ID", upd, cond, nil, ErrRoomNotFound)
}

func (s *DynamoDBStore) IncrementWrongAttempts(ctx context.Context, roomID string) (int, error) {
	name := expression.Name("Verification.WrongAttempts")
	upd := expression.Set(name, name.Plus(expression.Value(1)))
	cond := expression.Name("Verification").AttributeExists()

	var room types.Room
	if err := s.update(ctx, s.config.RoomsTable, stringKey("ID", roomID), "ID", upd, cond, &room, ErrRoomNotFound); err != nil {
		return 0, err
	}
	return room.Verification.WrongAttempts, nil
}

func (s *DynamoDBStore) ResetWrongAttempts(ctx context.Context, roomID string) error {
	upd := expression.Set(expression.Name("Verification.WrongAttempts"), expression.Value(0))
	cond := expression.Name("Verification").AttributeExists()
	return s.update(ctx, s.config.RoomsTable, stringKey("ID", roomID), "ID", upd, cond, nil, ErrRoomNotFound)
}

// openInquiryAttr on a room item names the room's current inquiry. Creating
// an inquiry claims it in the same transaction that writes the inquiry, so two
// concurrent creates for one room cannot both succeed.
const openInquiryAttr = "OpenInquiryID"

func (s *DynamoDBStore) CreateInquiry(ctx context.Context, inquiry *types.Inquiry) error {
	input, err := s.createInquiryInput(inquiry)
	if err != nil {
		return err
	}
	if _, err := s.client.TransactWriteItems(ctx, input); err != nil {
		if isConditionFailed(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create inquiry: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) createInquiryInput(inquiry *types.Inquiry) (*dynamodb.TransactWriteItemsInput, error) {
	av, err := attributevalue.MarshalMap(inquiry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal inquiry: %w", err)
	}
	putExpr, err := expression.NewBuilder().
		WithCondition(expression.Name("ID").AttributeNotExists()).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	claim := expression.Set(expression.Name(openInquiryAttr), expression.Value(inquiry.ID))
	unclaimed := expression.Name("ID").AttributeExists().
		And(expression.Name(openInquiryAttr).AttributeNotExists())
	roomExpr, err := expression.NewBuilder().WithUpdate(claim).WithCondition(unclaimed).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	return &dynamodb.TransactWriteItemsInput{
		TransactItems: []dbtypes.TransactWriteItem{
			{Update: &dbtypes.Update{
				TableName:                 aws.String(s.config.RoomsTable),
				Key:                       stringKey("ID", inquiry.RoomID),
				UpdateExpression:          roomExpr.Update(),
				ConditionExpression:       roomExpr.Condition(),
				ExpressionAttributeNames:  roomExpr.Names(),
				ExpressionAttributeValues: roomExpr.Values(),
			}},
			{Put: &dbtypes.Put{
				TableName:                 aws.String(s.config.InquiriesTable),
				Item:                      av,
				ConditionExpression:       putExpr.Condition(),
				ExpressionAttributeNames:  putExpr.Names(),
				ExpressionAttributeValues: putExpr.Values(),
			}},
		},
	}, nil
}

func (s *DynamoDBStore) GetInquiry(ctx context.Context, id string) (*types.Inquiry, error) {
	var inquiry types.Inquiry
	if err := s.get(ctx, s.config.InquiriesTable, stringKey("ID", id), &inquiry, ErrInquiryNotFound); err != nil {
		return nil, err
	}
	return &inquiry, nil
}

func (s *DynamoDBStore) FindInquiryByRoom(ctx context.Context, roomID string) (*types.Inquiry, error) {
	var inquiries []types.Inquiry
	filter := expression.Name("RoomID").Equal(expression.Value(roomID))
	if err := s.scan(ctx, s.config.InquiriesTable, filter, &inquiries); err != nil {
		return nil, err
	}
	if len(inquiries) == 0 {
		return nil, ErrInquiryNotFound
	}
	return &inquiries[0], nil
}

func (s *DynamoDBStore) ListInquiries(ctx context.Context, filter InquiryFilter) ([]types.Inquiry, error) {
	cond := expression.Name("ID").AttributeExists()
	if filter.Status != "" {
		cond = cond.And(expression.Name("Status").Equal(expression.Value(filter.Status)))
	}
	if filter.Department != "" {
		cond = cond.And(expression.Name("Department").Equal(expression.Value(filter.Department)))
	}

	var inquiries []types.Inquiry
	if err := s.scan(ctx, s.config.InquiriesTable, cond, &inquiries); err != nil {
		return nil, err
	}
	sortInquiries(inquiries)
	if filter.Limit > 0 && len(inquiries) > filter.Limit {
		inquiries = inquiries[:filter.Limit]
	}
	return inquiries, nil
}

func (s *DynamoDBStore) TakeInquiry(ctx context.Context, id string, agent types.SelectedAgent, at time.Time) (*types.Inquiry, error) {
	cond := expression.Name("Status").Equal(expression.Value(types.InquiryReady))
	upd := expression.Set(expression.Name("Status"), expression.Value(types.InquiryTaken)).
		Set(expression.Name("Agent"), expression.Value(agent)).
		Set(expression.Name("TakenAt"), expression.Value(at))

	var inquiry types.Inquiry
	if err := s.update(ctx, s.config.InquiriesTable, stringKey("ID", id), "ID", upd, cond, &inquiry, ErrInquiryNotFound); err != nil {
		return nil, err
	}
	return &inquiry, nil
}

func (s *DynamoDBStore) MarkInquiryReady(ctx context.Context, id string) error {
	cond := expression.Name("Status").Equal(expression.Value(types.InquiryQueued))
	upd := expression.Set(expression.Name("Status"), expression.Value(types.InquiryReady))
	return s.update(ctx, s.config.InquiriesTable, stringKey("ID", id), "ID", upd, cond, nil, ErrInquiryNotFound)
}

func (s *DynamoDBStore) MarkInquiryQueued(ctx context.Context, id string, at time.Time) error {
	cond := expression.Name("Status").NotEqual(expression.Value(types.InquiryTaken))
	upd := expression.Set(expression.Name("Status"), expression.Value(types.InquiryQueued)).
		Set(expression.Name("QueuedAt"), expression.Value(at))
	return s.update(ctx, s.config.InquiriesTable, stringKey("ID", id), "ID", upd, cond, nil, ErrInquiryNotFound)
}

func (s *DynamoDBStore) ReleaseInquiry(ctx context.Context, id, agentID string) error {
	cond := expression.Name("Status").Equal(expression.Value(types.InquiryTaken)).
		And(expression.Name("Agent.AgentID").Equal(expression.Value(agentID)))
	upd := expression.Set(expression.Name("Status"), expression.Value(types.InquiryReady)).
		Remove(expression.Name("Agent")).
		Remove(expression.Name("TakenAt"))
	return s.update(ctx, s.config.InquiriesTable, stringKey("ID", id), "ID", upd, cond, nil, ErrInquiryNotFound)
}

// DeleteInquiryByRoom removes the room's inquiry and its claim on the room
func (s *DynamoDBStore) DeleteInquiryByRoom(ctx context.Context, roomID string) error {
	inquiry, err := s.FindInquiryByRoom(ctx, roomID)
	if errors.Is(err, ErrInquiryNotFound) {
		return s.releaseRoomClaim(ctx, roomID)
	}
	if err != nil {
		return err
	}

	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.config.InquiriesTable),
		Key:       stringKey("ID", inquiry.ID),
	})
	if err != nil {
		return fmt.Errorf("failed to delete inquiry: %w", err)
	}
	return s.releaseRoomClaim(ctx, roomID)
}

func (s *DynamoDBStore) releaseRoomClaim(ctx context.Context, roomID string) error {
	upd := expression.Remove(expression.Name(openInquiryAttr))
	err := s.update(ctx, s.config.RoomsTable, stringKey("ID", roomID), "ID", upd, expression.Name(openInquiryAttr).AttributeExists(), nil, ErrRoomNotFound)
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrRoomNotFound) {
		return nil
	}
	return err
}

func (s *DynamoDBStore) GetVisitor(ctx context.Context, token string) (*types.Visitor, error) {
	var visitor types.Visitor
	if err := s.get(ctx, s.config.VisitorsTable, stringKey("Token", token), &visitor, ErrVisitorNotFound); err != nil {
		return nil, err
	}
	return &visitor, nil
}

func (s *DynamoDBStore) SaveVisitor(ctx context.Context, visitor *types.Visitor) error {
	return s.put(ctx, s.config.VisitorsTable, visitor, nil)
}

func (s *DynamoDBStore) AddVisitorEmail(ctx context.Context, token, email string) error {
	visitor, err := s.GetVisitor(ctx, token)
	if err != nil {
		return err
	}
	if hasEmail(visitor.Emails, email) {
		return nil
	}

	upd := expression.Set(expression.Name("Emails"), expression.Value(appendEmail(visitor.Emails, email)))
	cond := expression.Name("Token").AttributeExists()
	return s.update(ctx, s.config.VisitorsTable, stringKey("Token", token), "Token", upd, cond, nil, ErrVisitorNotFound)
}

func (s *DynamoDBStore) FindVisitorByEmail(ctx context.Context, email string) (*types.Visitor, error) {
	var visitors []types.Visitor
	filter := expression.Name("Emails").Contains(email)
	if err := s.scan(ctx, s.config.VisitorsTable, filter, &visitors); err != nil {
		return nil, err
	}
	for i := range visitors {
		if hasEmail(visitors[i].Emails, email) {
			return &visitors[i], nil
		}
	}
	return nil, ErrVisitorNotFound
}

func (s *DynamoDBStore) AddCode(ctx context.Context, code types.VerificationCode) error {
	return s.put(ctx, s.config.CodesTable, code, nil)
}

func (s *DynamoDBStore) ListCodes(ctx context.Context, roomID string) ([]types.VerificationCode, error) {
	keyCond := expression.Key("RoomID").Equal(expression.Value(roomID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.CodesTable),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query verification codes: %w", err)
	}

	var codes []types.VerificationCode
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &codes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verification codes: %w", err)
	}
	return codes, nil
}

func (s *DynamoDBStore) DeleteExpiredCodes(ctx context.Context, roomID string, now time.Time) (int, error) {
	codes, err := s.ListCodes(ctx, roomID)
	if err != nil {
		return 0, err
	}

	var expired []types.VerificationCode
	for _, code := range codes {
		if code.Expired(now) {
			expired = append(expired, code)
		}
	}
	if err := s.deleteCodes(ctx, expired); err != nil {
		return 0, err
	}
	return len(expired), nil
}

func (s *DynamoDBStore) DeleteCodes(ctx context.Context, roomID string) error {
	codes, err := s.ListCodes(ctx, roomID)
	if err != nil {
		return err
	}
	return s.deleteCodes(ctx, codes)
}

func (s *DynamoDBStore) deleteCodes(ctx context.Context, codes []types.VerificationCode) error {
	// Batch delete in groups of 25
	for i := 0; i < len(codes); i += 25 {
		end := i + 25
		if end > len(codes) {
			end = len(codes)
		}

		requests := make([]dbtypes.WriteRequest, 0, end-i)
		for _, code := range codes[i:end] {
			requests = append(requests, dbtypes.WriteRequest{
				DeleteRequest: &dbtypes.DeleteRequest{
					Key: map[string]dbtypes.AttributeValue{
						"RoomID": &dbtypes.AttributeValueMemberS{Value: code.RoomID},
						"ID":     &dbtypes.AttributeValueMemberS{Value: code.ID},
					},
				},
			})
		}

		_, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]dbtypes.WriteRequest{
				s.config.CodesTable: requests,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete verification codes: %w", err)
		}
	}
	return nil
}

func (s *DynamoDBStore) MarkContactActive(ctx context.Context, period, visitorToken string) error {
	return s.put(ctx, s.config.ContactsTable, contactItem{Period: period, VisitorToken: visitorToken}, nil)
}

func (s *DynamoDBStore) IsContactActive(ctx context.Context, period, visitorToken string) (bool, error) {
	key := map[string]dbtypes.AttributeValue{
		"Period":       &dbtypes.AttributeValueMemberS{Value: period},
		"VisitorToken": &dbtypes.AttributeValueMemberS{Value: visitorToken},
	}
	var item contactItem
	err := s.get(ctx, s.config.ContactsTable, key, &item, ErrVisitorNotFound)
	if errors.Is(err, ErrVisitorNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *DynamoDBStore) CountActiveContacts(ctx context.Context, period string) (int, error) {
	keyCond := expression.Key("Period").Equal(expression.Value(period))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return 0, fmt.Errorf("failed to build expression: %w", err)
	}

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.ContactsTable),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Select:                    dbtypes.SelectCount,
	})

	total := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to count active contacts: %w", err)
		}
		total += int(page.Count)
	}
	return total, nil
}
